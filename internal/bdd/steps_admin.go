package bdd

import (
	"fmt"
	"strings"

	"github.com/recallio/recall/internal/testutil/cucumber"
	"github.com/cucumber/godog"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		a := &adminSteps{s: s}

		// Admin conversation setup steps
		ctx.Step(`^there is a conversation owned by "([^"]*)" with title "([^"]*)"$`, a.thereIsAConversationOwnedByWithTitle)
		ctx.Step(`^the conversation owned by "([^"]*)" has an entry "([^"]*)"$`, a.theConversationOwnedByHasAnEntry)
		ctx.Step(`^the conversation owned by "([^"]*)" is deleted$`, a.theConversationOwnedByIsDeleted)

		// Admin conversation assertion steps
		ctx.Step(`^all conversations should have ownerUserId "([^"]*)"$`, a.allConversationsShouldHaveOwnerUserId)
		ctx.Step(`^all conversations should have deletedAt set$`, a.allConversationsShouldHaveDeletedAtSet)
		ctx.Step(`^the conversation should be soft-deleted$`, a.theConversationShouldBeSoftDeleted)
		ctx.Step(`^the conversation should not be deleted$`, a.theConversationShouldNotBeDeleted)
		ctx.Step(`^the response should contain at least (\d+) conversations? with deletedAt set$`, a.theResponseShouldContainAtLeastConversationsWithDeletedAtSet)
		ctx.Step(`^all search results should have conversation owned by "([^"]*)"$`, a.allSearchResultsShouldHaveConversationOwnedBy)

		// Conversation title assertion
		ctx.Step(`^the conversation title should be "([^"]*)"$`, a.theConversationTitleShouldBe)

		// Variable generation
		ctx.Step(`^set "([^"]*)" to a JSON array of (\d+) empty objects$`, a.setToAJSONArrayOfEmptyObjects)

		// Context variable setter
		ctx.Step(`^I set context variable "([^"]*)" to "([^"]*)"$`, a.iSetContextVariable)
	})
}

type adminSteps struct {
	s *cucumber.TestScenario
}

func (a *adminSteps) thereIsAConversationOwnedByWithTitle(owner, title string) error {
	savedUser := a.s.CurrentUser
	auth := &authSteps{s: a.s}
	_ = auth.iAmAuthenticatedAsUser(owner)

	body := fmt.Sprintf(`{"title": %q}`, title)
	err := a.s.SendHTTPRequestWithJSONBodyAndStyle("POST", "/v1/conversations", &godog.DocString{Content: body}, false, false)
	if err != nil {
		a.s.CurrentUser = savedUser
		return err
	}
	session := a.s.Session()
	if session.Resp != nil && session.Resp.StatusCode == 201 {
		respJSON, err := session.RespJSON()
		if err == nil {
			if m, ok := respJSON.(map[string]interface{}); ok {
				if id, ok := m["id"].(string); ok {
					// Store with owner-qualified name for multi-user scenarios
					a.s.Variables[owner+"ConversationId"] = id
					a.s.Variables["conversationId"] = id
				}
			}
		}
	}
	a.s.CurrentUser = savedUser
	return nil
}

func (a *adminSteps) theConversationOwnedByHasAnEntry(owner, content string) error {
	savedUser := a.s.CurrentUser

	// Switch to agent mode for the owner
	auth := &authSteps{s: a.s}
	_ = auth.iAmAuthenticatedAsUser(owner)
	_ = auth.iAmAuthenticatedAsAgentWithAPIKey("test-agent-key")

	// Use owner-qualified conversationId (set by Background as e.g. "bobConversationId")
	convID := fmt.Sprintf("%v", a.s.Variables[owner+"ConversationId"])
	body := fmt.Sprintf(`{
		"channel": "HISTORY",
		"contentType": "history",
		"content": [{"role": "USER", "text": %q}],
		"indexedContent": %q
	}`, content, content)

	err := a.s.SendHTTPRequestWithJSONBodyAndStyle("POST", "/v1/conversations/"+convID+"/entries", &godog.DocString{Content: body}, false, false)
	a.s.CurrentUser = savedUser
	return err
}

func (a *adminSteps) theConversationOwnedByIsDeleted(owner string) error {
	savedUser := a.s.CurrentUser
	auth := &authSteps{s: a.s}
	// Use an admin user to do the admin delete (soft-delete only, preserves entries/memberships)
	_ = auth.iAmAuthenticatedAsAdminUser("alice")

	// Use owner-qualified conversationId
	convID := fmt.Sprintf("%v", a.s.Variables[owner+"ConversationId"])
	body := `{"justification": "test setup deletion"}`
	err := a.s.SendHTTPRequestWithJSONBodyAndStyle("DELETE", "/v1/admin/conversations/"+convID, &godog.DocString{Content: body}, false, true)
	a.s.CurrentUser = savedUser
	return err
}

func (a *adminSteps) allConversationsShouldHaveOwnerUserId(expected string) error {
	session := a.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	data := jsonPathGet(respJSON, "data")
	arr, ok := data.([]interface{})
	if !ok {
		return fmt.Errorf("response 'data' is not an array. Response: %s", string(session.RespBytes))
	}
	for i, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		actual := fmt.Sprintf("%v", m["ownerUserId"])
		if actual != expected {
			return fmt.Errorf("conversation at index %d has ownerUserId '%s', expected '%s'", i, actual, expected)
		}
	}
	return nil
}

func (a *adminSteps) allConversationsShouldHaveDeletedAtSet() error {
	session := a.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	data := jsonPathGet(respJSON, "data")
	arr, ok := data.([]interface{})
	if !ok {
		return fmt.Errorf("response 'data' is not an array. Response: %s", string(session.RespBytes))
	}
	for i, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if m["deletedAt"] == nil {
			return fmt.Errorf("conversation at index %d does not have deletedAt set", i)
		}
	}
	return nil
}

func (a *adminSteps) theConversationShouldBeSoftDeleted() error {
	// After a DELETE 204 there is no response body, so we need to GET the conversation
	convID := fmt.Sprintf("%v", a.s.Variables["conversationId"])
	savedUser := a.s.CurrentUser
	auth := &authSteps{s: a.s}
	_ = auth.iAmAuthenticatedAsAdminUser("alice")

	err := a.s.SendHTTPRequestWithJSONBodyAndStyle("GET", "/v1/admin/conversations/"+convID+"?includeDeleted=true", nil, false, true)
	a.s.CurrentUser = savedUser
	if err != nil {
		return err
	}

	session := a.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	deletedAt := jsonPathGet(respJSON, "deletedAt")
	if deletedAt == nil {
		return fmt.Errorf("conversation does not have deletedAt set. Response: %s", string(session.RespBytes))
	}
	return nil
}

func (a *adminSteps) theConversationShouldNotBeDeleted() error {
	// GET the conversation via admin API to check delete status
	convID := fmt.Sprintf("%v", a.s.Variables["conversationId"])
	savedUser := a.s.CurrentUser
	auth := &authSteps{s: a.s}
	_ = auth.iAmAuthenticatedAsAdminUser("alice")

	err := a.s.SendHTTPRequestWithJSONBodyAndStyle("GET", "/v1/admin/conversations/"+convID, nil, false, true)
	a.s.CurrentUser = savedUser
	if err != nil {
		return err
	}

	session := a.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	deletedAt := jsonPathGet(respJSON, "deletedAt")
	if deletedAt != nil {
		return fmt.Errorf("conversation has deletedAt set but shouldn't. Response: %s", string(session.RespBytes))
	}
	return nil
}

func (a *adminSteps) theResponseShouldContainAtLeastConversationsWithDeletedAtSet(minCount int) error {
	session := a.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	data := jsonPathGet(respJSON, "data")
	arr, ok := data.([]interface{})
	if !ok {
		return fmt.Errorf("response 'data' is not an array. Response: %s", string(session.RespBytes))
	}
	count := 0
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if m["deletedAt"] != nil {
			count++
		}
	}
	if count < minCount {
		return fmt.Errorf("expected at least %d conversations with deletedAt set, got %d", minCount, count)
	}
	return nil
}

func (a *adminSteps) allSearchResultsShouldHaveConversationOwnedBy(expected string) error {
	session := a.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	data := jsonPathGet(respJSON, "data")
	arr, ok := data.([]interface{})
	if !ok {
		return fmt.Errorf("response 'data' is not an array. Response: %s", string(session.RespBytes))
	}

	// Results carry conversationId, not the owner; resolve each one through
	// the admin conversation endpoint and compare.
	for i, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		convID, ok := m["conversationId"].(string)
		if !ok {
			return fmt.Errorf("search result at index %d has no conversationId", i)
		}
		if err := a.s.SendHTTPRequestWithJSONBodyAndStyle("GET", "/v1/admin/conversations/"+convID+"?includeDeleted=true", nil, false, true); err != nil {
			return err
		}
		convJSON, err := a.s.Session().RespJSON()
		if err != nil {
			return err
		}
		owner := fmt.Sprintf("%v", jsonPathGet(convJSON, "ownerUserId"))
		if owner != expected {
			return fmt.Errorf("search result at index %d belongs to conversation owned by '%s', expected '%s'", i, owner, expected)
		}
	}
	return nil
}

func (a *adminSteps) theConversationTitleShouldBe(expected string) error {
	expanded, err := a.s.Expand(expected)
	if err != nil {
		return err
	}

	convID := fmt.Sprintf("%v", a.s.Variables["conversationId"])

	// Titles may be encrypted, so we check via the API instead of querying the DB directly.
	savedUser := a.s.CurrentUser
	err = a.s.SendHTTPRequestWithJSONBodyAndStyle("GET", "/v1/conversations/"+convID, nil, false, true)
	a.s.CurrentUser = savedUser
	if err != nil {
		return err
	}
	session := a.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	title := jsonPathGet(respJSON, "title")
	actual := fmt.Sprintf("%v", title)
	if actual != expanded {
		return fmt.Errorf("conversation title expected '%s', got '%s'", expanded, actual)
	}
	return nil
}

func (a *adminSteps) setToAJSONArrayOfEmptyObjects(varName string, count int) error {
	var sb strings.Builder
	sb.WriteString("[")
	for i := 0; i < count; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("{}")
	}
	sb.WriteString("]")
	a.s.Variables[varName] = sb.String()
	return nil
}

func (a *adminSteps) iSetContextVariable(name, value string) error {
	expanded, err := a.s.Expand(value)
	if err != nil {
		return err
	}
	a.s.Variables[name] = expanded
	return nil
}
