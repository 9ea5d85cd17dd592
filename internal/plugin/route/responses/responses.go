// Package responses exposes the response recorder over REST. An agent POSTs
// the chunks of an in-flight response, disconnected clients GET them back as
// a server-sent event stream, and DELETE cancels the active recording. In
// multi-replica deployments the locator may place a conversation's recording
// on another replica; those requests answer with a redirect to the owner.
package responses

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/model"
	"github.com/recallio/recall/internal/plugin/route/apierror"
	registrystore "github.com/recallio/recall/internal/registry/store"
	"github.com/recallio/recall/internal/resumer"
	"github.com/recallio/recall/internal/security"
)

const ingestChunkSize = 32 * 1024

// MountRoutes mounts the response recorder routes. A nil recorder keeps the
// routes mounted but answers every call with 501 so clients can distinguish
// "disabled" from "not found".
func MountRoutes(r *gin.Engine, store registrystore.MemoryStore, recorder *resumer.Store, cfg *config.Config, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/conversations/:conversationId/response", func(c *gin.Context) {
		record(c, store, recorder, cfg)
	})
	g.GET("/conversations/:conversationId/response", func(c *gin.Context) {
		replay(c, store, recorder, cfg)
	})
	g.DELETE("/conversations/:conversationId/response", func(c *gin.Context) {
		cancel(c, store, recorder, cfg)
	})
	g.POST("/conversations/responses/active", func(c *gin.Context) {
		checkActive(c, store, recorder)
	})
}

// record ingests the request body as a chunk stream and mirrors it into the
// recorder. Chunks are forwarded one read at a time; the body is never
// buffered whole. The response reports whether a cancel arrived mid-stream.
func record(c *gin.Context, store registrystore.MemoryStore, recorder *resumer.Store, cfg *config.Config) {
	if recorderDisabled(c, recorder) {
		return
	}
	convID, ok := requireConversation(c, store, model.AccessLevelWriter)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	rec, err := recorder.RecorderWithAddress(ctx, convID.String(), advertisedAddress(c, cfg))
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	cancelCh, err := recorder.CancelStream(ctx, convID.String())
	if err != nil {
		apierror.Respond(c, err)
		return
	}

	var recorded int64
	cancelled := false
	buf := make([]byte, ingestChunkSize)
	for {
		select {
		case <-cancelCh:
			cancelled = true
		default:
		}
		if cancelled {
			break
		}

		n, readErr := c.Request.Body.Read(buf)
		if n > 0 {
			if err := rec.Record(string(buf[:n])); err != nil {
				_ = rec.Complete()
				apierror.Respond(c, err)
				return
			}
			recorded += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// Producer went away. Complete what we have so replayers drain.
			break
		}
	}

	if err := rec.Complete(); err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": recorded, "cancelled": cancelled})
}

// replay streams the active recording from offset 0 as SSE. With
// events=true each SSE frame carries one complete newline-framed JSON event,
// re-assembled by a line buffer when the file reader splits them.
func replay(c *gin.Context, store registrystore.MemoryStore, recorder *resumer.Store, cfg *config.Config) {
	if recorderDisabled(c, recorder) {
		return
	}
	convID, ok := requireConversation(c, store, model.AccessLevelReader)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	ch, redirectAddr, err := recorder.ReplayWithAddress(ctx, convID.String(), advertisedAddress(c, cfg))
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	if redirectAddr != "" {
		redirect(c, redirectAddr)
		return
	}

	richEvents := strings.EqualFold(c.Query("events"), "true")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	var pending strings.Builder
	for chunk := range ch {
		if !richEvents {
			// Chunks may contain newlines, which would split an SSE frame.
			// Simple token mode therefore carries each chunk as a JSON string.
			encoded, err := json.Marshal(chunk)
			if err != nil {
				continue
			}
			writeSSE(c, string(encoded))
			continue
		}
		// Recording chunk boundaries are arbitrary; emit only whole lines.
		pending.WriteString(chunk)
		buffered := pending.String()
		for {
			idx := strings.IndexByte(buffered, '\n')
			if idx < 0 {
				break
			}
			if line := strings.TrimRight(buffered[:idx], "\r"); line != "" {
				writeSSE(c, line)
			}
			buffered = buffered[idx+1:]
		}
		pending.Reset()
		pending.WriteString(buffered)
	}
	if richEvents && pending.Len() > 0 {
		// Unterminated tail, emitted as-is so nothing recorded is lost.
		writeSSE(c, pending.String())
	}
}

// cancel marks the active recording cancelled. Cancelling a conversation with
// no recording succeeds; repeating a cancel succeeds.
func cancel(c *gin.Context, store registrystore.MemoryStore, recorder *resumer.Store, cfg *config.Config) {
	if recorderDisabled(c, recorder) {
		return
	}
	convID, ok := requireConversation(c, store, model.AccessLevelWriter)
	if !ok {
		return
	}

	redirectAddr, err := recorder.RequestCancelWithAddress(c.Request.Context(), convID.String(), advertisedAddress(c, cfg))
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	if redirectAddr != "" {
		redirect(c, redirectAddr)
		return
	}
	c.Status(http.StatusNoContent)
}

// checkActive reports which of the given conversations have an active
// recording. Conversations the caller cannot read are silently dropped, the
// same masking the 404 rule applies elsewhere.
func checkActive(c *gin.Context, store registrystore.MemoryStore, recorder *resumer.Store) {
	if recorderDisabled(c, recorder) {
		return
	}
	userID := security.GetUserID(c)

	var req struct {
		ConversationIDs []string `json:"conversationIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Validation(c, "conversationIds", "invalid request body")
		return
	}

	ctx := c.Request.Context()
	visible := make([]string, 0, len(req.ConversationIDs))
	for _, raw := range req.ConversationIDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		if _, err := store.GetConversation(ctx, userID, id); err != nil {
			continue
		}
		visible = append(visible, id.String())
	}

	active, err := recorder.Check(ctx, visible)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	if active == nil {
		active = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"conversationIds": active})
}

// requireConversation parses the path id and enforces the caller's access
// level. Bad ids and invisible conversations both answer 404.
func requireConversation(c *gin.Context, store registrystore.MemoryStore, level model.AccessLevel) (uuid.UUID, bool) {
	convID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return uuid.Nil, false
	}
	conv, err := store.GetConversation(c.Request.Context(), security.GetUserID(c), convID)
	if err != nil {
		apierror.Respond(c, err)
		return uuid.Nil, false
	}
	if !conv.AccessLevel.IsAtLeast(level) {
		apierror.Respond(c, &registrystore.ForbiddenError{})
		return uuid.Nil, false
	}
	return convID, true
}

func recorderDisabled(c *gin.Context, recorder *resumer.Store) bool {
	if recorder != nil {
		return false
	}
	c.JSON(http.StatusNotImplemented, gin.H{"error": "response recorder disabled", "code": "recorder_disabled"})
	return true
}

// advertisedAddress resolves the address this replica publishes in locators:
// explicit config wins, then request metadata, then the local hostname.
func advertisedAddress(c *gin.Context, cfg *config.Config) string {
	if cfg != nil {
		if explicit := strings.TrimSpace(cfg.ResumerAdvertisedAddress); explicit != "" {
			return explicit
		}
	}
	for _, key := range []string{"X-Resumer-Advertised-Address", "X-Advertised-Address"} {
		if v := strings.TrimSpace(c.GetHeader(key)); v != "" {
			return v
		}
	}
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "localhost"
	}
	port := 8080
	if cfg != nil && cfg.Listener.Port > 0 {
		port = cfg.Listener.Port
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// redirect points the client at the replica that owns the recording.
func redirect(c *gin.Context, addr string) {
	target := addr
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	c.Redirect(http.StatusTemporaryRedirect, target+c.Request.URL.RequestURI())
}

func writeSSE(c *gin.Context, data string) {
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}
