package bdd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/recallio/recall/internal/testutil/cucumber"
	"github.com/cucumber/godog"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		d := &domainAssertionSteps{s: s}

		// Response status
		ctx.Step(`^the response status should be (\d+)$`, d.theResponseStatusShouldBe)

		// Response body assertions (JSON matching)
		ctx.Step(`^the response body should be json:$`, d.theResponseBodyShouldBeJSON)
		ctx.Step(`^the response body should contain json:$`, d.theResponseBodyShouldContainJSON)
		ctx.Step(`^the response body should contain "([^"]*)"$`, d.theResponseBodyShouldContainText)
		ctx.Step(`^the response body should not contain "([^"]*)"$`, d.theResponseBodyShouldNotContainText)

		// Response body field assertions
		ctx.Step(`^the response body "([^"]*)" should be "([^"]*)"$`, d.theResponseBodyFieldShouldBe)
		ctx.Step(`^the response body field "([^"]*)" should be "([^"]*)"$`, d.theResponseBodyFieldShouldBe)
		ctx.Step(`^the response body field "([^"]*)" should be null$`, d.theResponseBodyFieldShouldBeNull)
		ctx.Step(`^the response body field "([^"]*)" should not be null$`, d.theResponseBodyFieldShouldNotBeNull)
		ctx.Step(`^the response body field "([^"]*)" should contain "([^"]*)"$`, d.theResponseBodyFieldShouldContain)
		ctx.Step(`^the response body "([^"]*)" should have at least (\d+) items?$`, d.theResponseBodyFieldShouldHaveAtLeastItems)

		// Collection size assertions
		ctx.Step(`^the response should contain at least (\d+) conversations?$`, d.theResponseShouldContainAtLeastItems)
		ctx.Step(`^the response should contain at least (\d+) memberships?$`, d.theResponseShouldContainAtLeastItems)
		ctx.Step(`^the response should contain at least (\d+) items?$`, d.theResponseShouldContainAtLeastItems)
		ctx.Step(`^the response should contain (\d+) conversations?$`, d.theResponseShouldContainItems)
		ctx.Step(`^the response should contain (\d+) entries$`, d.theResponseShouldContainItems)
		ctx.Step(`^the response should contain (\d+) entry$`, d.theResponseShouldContainItems)
		ctx.Step(`^the response should contain (\d+) membership$`, d.theResponseShouldContainItems)
		ctx.Step(`^the response should contain an empty list of entries$`, d.theResponseShouldContainEmptyList)
		ctx.Step(`^the search response should contain at least (\d+) results?$`, d.theResponseShouldContainAtLeastItems)
		ctx.Step(`^the search response should contain (\d+) results?$`, d.theResponseShouldContainItems)

		// Entry content assertions
		ctx.Step(`^entry at index (\d+) should have content "([^"]*)"$`, d.entryAtIndexShouldHaveContent)
		ctx.Step(`^the response should contain the created entry$`, d.theResponseShouldContainTheCreatedEntry)
		ctx.Step(`^the entry should have content "([^"]*)"$`, d.theEntryShouldHaveContent)
		ctx.Step(`^the entry should have channel "([^"]*)"$`, d.theEntryShouldHaveChannel)
		ctx.Step(`^the entry should have contentType "([^"]*)"$`, d.theEntryShouldHaveContentType)
		ctx.Step(`^the response should have an afterCursor$`, d.theResponseShouldHaveAnAfterCursor)
		ctx.Step(`^the response should contain error code "([^"]*)"$`, d.theResponseShouldContainErrorCode)
		ctx.Step(`^the response body should have field "([^"]*)" that is not null$`, d.theResponseBodyFieldShouldNotBeNull)

		// Search result assertions
		ctx.Step(`^search result at index (\d+) should have entry content "([^"]*)"$`, d.searchResultAtIndexShouldHaveEntryContent)
		ctx.Step(`^search result at index (\d+) should have conversationId "([^"]*)"$`, d.searchResultAtIndexShouldHaveConversationId)
		ctx.Step(`^search result at index (\d+) should have conversationTitle "([^"]*)"$`, d.searchResultAtIndexShouldHaveConversationTitle)
		ctx.Step(`^search result at index (\d+) should not have entry$`, d.searchResultAtIndexShouldNotHaveEntry)

		// Membership assertions
		ctx.Step(`^the response should contain a membership for user "([^"]*)" with access level "([^"]*)"$`, d.theResponseShouldContainMembershipForUser)
		ctx.Step(`^the response should not contain a membership for user "([^"]*)"$`, d.theResponseShouldNotContainMembershipForUser)

		// Sync response assertions
		ctx.Step(`^the sync response entry should be null$`, d.theSyncResponseEntryShouldBeNull)
		ctx.Step(`^the sync response entry should not be null$`, d.theSyncResponseEntryShouldNotBeNull)
		ctx.Step(`^the sync response entry content should be empty$`, d.theSyncResponseEntryContentShouldBeEmpty)

		// Binary response assertions
		ctx.Step(`^the binary response content should be "([^"]*)"$`, d.theBinaryResponseContentShouldBe)

		// Response header assertions
		ctx.Step(`^the response header "([^"]*)" should contain "([^"]*)"$`, d.theResponseHeaderShouldContain)

		// Variable management
		ctx.Step(`^set "([^"]*)" to "([^"]*)"$`, d.setContextVariable)
		ctx.Step(`^set "([^"]*)" to the json response field "([^"]*)"$`, d.setContextVariableToJSONResponseField)
	})
}

type domainAssertionSteps struct {
	s *cucumber.TestScenario
}

func (d *domainAssertionSteps) theResponseStatusShouldBe(expected int) error {
	session := d.s.Session()
	if session.Resp == nil {
		return fmt.Errorf("no HTTP response available")
	}
	actual := session.Resp.StatusCode
	if expected != actual {
		return fmt.Errorf("expected response code to be: %d, but actual is: %d, body: %s", expected, actual, string(session.RespBytes))
	}
	return nil
}

func (d *domainAssertionSteps) theResponseBodyShouldBeJSON(expected *godog.DocString) error {
	session := d.s.Session()
	if len(session.RespBytes) == 0 {
		return fmt.Errorf("got an empty response from server, expected a json body")
	}
	// Subset matching: the actual body may carry extra fields.
	return d.s.JSONMustContain(string(session.RespBytes), expected.Content, true)
}

func (d *domainAssertionSteps) theResponseBodyShouldContainJSON(expected *godog.DocString) error {
	session := d.s.Session()
	if len(session.RespBytes) == 0 {
		return fmt.Errorf("got an empty response from server, expected a json body")
	}
	return d.s.JSONMustContain(string(session.RespBytes), expected.Content, true)
}

func (d *domainAssertionSteps) theResponseBodyShouldContainText(expected string) error {
	expanded, err := d.s.Expand(expected)
	if err != nil {
		return err
	}
	session := d.s.Session()
	body := string(session.RespBytes)
	if !strings.Contains(body, expanded) {
		return fmt.Errorf("expected response to contain '%s', but it does not. Response body: %s", expanded, body)
	}
	return nil
}

func (d *domainAssertionSteps) theResponseBodyShouldNotContainText(expected string) error {
	session := d.s.Session()
	body := string(session.RespBytes)
	if strings.Contains(body, expected) {
		return fmt.Errorf("expected response not to contain '%s', but it does. Response body: %s", expected, body)
	}
	return nil
}

func (d *domainAssertionSteps) theResponseBodyFieldShouldBe(path, expected string) error {
	expanded, err := d.s.Expand(expected)
	if err != nil {
		return err
	}
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	value := jsonPathGet(respJSON, path)
	actual := fmt.Sprintf("%v", value)
	if value == nil {
		if expanded == "null" {
			return nil
		}
		return fmt.Errorf("field '%s' is null, expected '%s'. Response: %s", path, expanded, string(session.RespBytes))
	}
	if actual != expanded {
		return fmt.Errorf("field '%s' expected '%s', got '%s'. Response: %s", path, expanded, actual, string(session.RespBytes))
	}
	return nil
}

func (d *domainAssertionSteps) theResponseBodyFieldShouldBeNull(path string) error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	value := jsonPathGet(respJSON, path)
	if value != nil {
		return fmt.Errorf("field '%s' should be null but is '%v'", path, value)
	}
	return nil
}

func (d *domainAssertionSteps) theResponseBodyFieldShouldNotBeNull(path string) error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	value := jsonPathGet(respJSON, path)
	if value == nil {
		return fmt.Errorf("field '%s' should not be null. Response: %s", path, string(session.RespBytes))
	}
	return nil
}

func (d *domainAssertionSteps) theResponseBodyFieldShouldHaveAtLeastItems(path string, minCount int) error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	value := jsonPathGet(respJSON, path)
	arr, ok := value.([]interface{})
	if !ok {
		return fmt.Errorf("field '%s' is not an array. Response: %s", path, string(session.RespBytes))
	}
	if len(arr) < minCount {
		return fmt.Errorf("field '%s' has %d items, expected at least %d. Response: %s", path, len(arr), minCount, string(session.RespBytes))
	}
	return nil
}

func (d *domainAssertionSteps) theResponseShouldContainAtLeastItems(minCount int) error {
	return d.theResponseBodyFieldShouldHaveAtLeastItems("data", minCount)
}

func (d *domainAssertionSteps) theResponseShouldContainItems(count int) error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	data := jsonPathGet(respJSON, "data")
	arr, ok := data.([]interface{})
	if !ok {
		return fmt.Errorf("response 'data' is not an array. Response: %s", string(session.RespBytes))
	}
	if len(arr) != count {
		return fmt.Errorf("expected %d items in 'data', got %d. Response: %s", count, len(arr), string(session.RespBytes))
	}
	return nil
}

func (d *domainAssertionSteps) theResponseShouldContainEmptyList() error {
	return d.theResponseShouldContainItems(0)
}

func (d *domainAssertionSteps) entryAtIndexShouldHaveContent(index int, expectedContent string) error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	path := fmt.Sprintf("data.%d.content.0.text", index)
	value := jsonPathGet(respJSON, path)
	actual := fmt.Sprintf("%v", value)
	if actual != expectedContent {
		return fmt.Errorf("entry at index %d content expected '%s', got '%s'", index, expectedContent, actual)
	}
	return nil
}

func (d *domainAssertionSteps) theResponseShouldContainTheCreatedEntry() error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	id := jsonPathGet(respJSON, "id")
	if id == nil || id == "" {
		return fmt.Errorf("response does not contain an 'id' field. Response: %s", string(session.RespBytes))
	}
	return nil
}

func (d *domainAssertionSteps) theEntryShouldHaveContent(expectedContent string) error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	value := jsonPathGet(respJSON, "content.0.text")
	actual := fmt.Sprintf("%v", value)
	if actual != expectedContent {
		return fmt.Errorf("entry content expected '%s', got '%s'", expectedContent, actual)
	}
	return nil
}

func (d *domainAssertionSteps) theEntryShouldHaveChannel(expected string) error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	value := jsonPathGet(respJSON, "channel")
	actual := fmt.Sprintf("%v", value)
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("entry channel expected '%s', got '%s'", expected, actual)
	}
	return nil
}

func (d *domainAssertionSteps) theEntryShouldHaveContentType(expected string) error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	value := jsonPathGet(respJSON, "contentType")
	actual := fmt.Sprintf("%v", value)
	if actual != expected {
		return fmt.Errorf("entry contentType expected '%s', got '%s'", expected, actual)
	}
	return nil
}

func (d *domainAssertionSteps) theResponseShouldHaveAnAfterCursor() error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	value := jsonPathGet(respJSON, "afterCursor")
	if value == nil || value == "" {
		return fmt.Errorf("response does not have an afterCursor. Response: %s", string(session.RespBytes))
	}
	return nil
}

func (d *domainAssertionSteps) theResponseShouldContainErrorCode(code string) error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	// Structured envelopes carry a "code" field.
	value := jsonPathGet(respJSON, "code")
	if value != nil && fmt.Sprintf("%v", value) == code {
		return nil
	}
	// Otherwise match the code keyword against the "error" message.
	errValue := jsonPathGet(respJSON, "error")
	if errValue != nil {
		errStr := fmt.Sprintf("%v", errValue)
		codeToKeyword := map[string]string{
			"not_found": "not found",
			"forbidden": "forbidden",
			"conflict":  "conflict",
		}
		keyword, ok := codeToKeyword[code]
		if ok && strings.Contains(strings.ToLower(errStr), keyword) {
			return nil
		}
		// Direct match
		if strings.Contains(strings.ToLower(errStr), strings.ToLower(code)) {
			return nil
		}
	}
	return fmt.Errorf("expected error code '%s' in response. Response: %s", code, string(session.RespBytes))
}

func (d *domainAssertionSteps) searchResultAtIndexShouldHaveEntryContent(index int, expected string) error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	path := fmt.Sprintf("data.%d.entry.content.0.text", index)
	value := jsonPathGet(respJSON, path)
	actual := fmt.Sprintf("%v", value)
	if actual != expected {
		return fmt.Errorf("search result[%d] entry content expected '%s', got '%s'", index, expected, actual)
	}
	return nil
}

func (d *domainAssertionSteps) searchResultAtIndexShouldHaveConversationId(index int, expected string) error {
	expanded, err := d.s.Expand(expected)
	if err != nil {
		return err
	}
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	path := fmt.Sprintf("data.%d.conversationId", index)
	value := jsonPathGet(respJSON, path)
	actual := fmt.Sprintf("%v", value)
	if actual != expanded {
		return fmt.Errorf("search result[%d] conversationId expected '%s', got '%s'", index, expanded, actual)
	}
	return nil
}

func (d *domainAssertionSteps) searchResultAtIndexShouldHaveConversationTitle(index int, expected string) error {
	expanded, err := d.s.Expand(expected)
	if err != nil {
		return err
	}
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	path := fmt.Sprintf("data.%d.conversationTitle", index)
	value := jsonPathGet(respJSON, path)
	actual := fmt.Sprintf("%v", value)
	if actual != expanded {
		return fmt.Errorf("search result[%d] conversationTitle expected '%s', got '%s'", index, expanded, actual)
	}
	return nil
}

func (d *domainAssertionSteps) searchResultAtIndexShouldNotHaveEntry(index int) error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	path := fmt.Sprintf("data.%d.entry", index)
	value := jsonPathGet(respJSON, path)
	if value != nil {
		return fmt.Errorf("search result[%d] should not have entry, but has: %v", index, value)
	}
	return nil
}

func (d *domainAssertionSteps) theResponseShouldContainMembershipForUser(userID, accessLevel string) error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	data := jsonPathGet(respJSON, "data")
	arr, ok := data.([]interface{})
	if !ok {
		return fmt.Errorf("response 'data' is not an array. Response: %s", string(session.RespBytes))
	}
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if fmt.Sprintf("%v", m["userId"]) == userID && strings.EqualFold(fmt.Sprintf("%v", m["accessLevel"]), accessLevel) {
			return nil
		}
	}
	return fmt.Errorf("no membership found for user '%s' with access level '%s'. Response: %s", userID, accessLevel, string(session.RespBytes))
}

func (d *domainAssertionSteps) theResponseShouldNotContainMembershipForUser(userID string) error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	data := jsonPathGet(respJSON, "data")
	arr, ok := data.([]interface{})
	if !ok {
		return fmt.Errorf("response 'data' is not an array. Response: %s", string(session.RespBytes))
	}
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if fmt.Sprintf("%v", m["userId"]) == userID {
			return fmt.Errorf("found unexpected membership for user '%s'. Response: %s", userID, string(session.RespBytes))
		}
	}
	return nil
}

func (d *domainAssertionSteps) theSyncResponseEntryShouldBeNull() error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	entry := jsonPathGet(respJSON, "entry")
	if entry != nil {
		return fmt.Errorf("expected sync response entry to be null, but got: %v", entry)
	}
	return nil
}

func (d *domainAssertionSteps) theSyncResponseEntryShouldNotBeNull() error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	entry := jsonPathGet(respJSON, "entry")
	if entry == nil {
		return fmt.Errorf("expected sync response entry to not be null")
	}
	return nil
}

func (d *domainAssertionSteps) theSyncResponseEntryContentShouldBeEmpty() error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	entry := jsonPathGet(respJSON, "entry")
	if entry == nil {
		return fmt.Errorf("expected sync response entry to not be null")
	}
	m, ok := entry.(map[string]interface{})
	if !ok {
		return fmt.Errorf("entry is not an object")
	}
	content, _ := m["content"].([]interface{})
	if len(content) != 0 {
		return fmt.Errorf("expected sync response entry content to be empty, got %d items", len(content))
	}
	return nil
}

func (d *domainAssertionSteps) theResponseBodyFieldShouldContain(path, expected string) error {
	expanded, err := d.s.Expand(expected)
	if err != nil {
		return err
	}
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	value := jsonPathGet(respJSON, path)
	if value == nil {
		return fmt.Errorf("field '%s' is null, expected it to contain '%s'. Response: %s", path, expanded, string(session.RespBytes))
	}
	actual := fmt.Sprintf("%v", value)
	if !strings.Contains(actual, expanded) {
		return fmt.Errorf("field '%s' value '%s' does not contain '%s'. Response: %s", path, actual, expanded, string(session.RespBytes))
	}
	return nil
}

func (d *domainAssertionSteps) theBinaryResponseContentShouldBe(expected string) error {
	session := d.s.Session()
	actual := string(session.RespBytes)
	if actual != expected {
		return fmt.Errorf("expected binary response content '%s', got '%s'", expected, actual)
	}
	return nil
}

func (d *domainAssertionSteps) theResponseHeaderShouldContain(header, expected string) error {
	expanded, err := d.s.Expand(expected)
	if err != nil {
		return err
	}
	session := d.s.Session()
	actual := session.Resp.Header.Get(header)
	if !strings.Contains(actual, expanded) {
		return fmt.Errorf("response header '%s' value '%s' does not contain '%s'", header, actual, expanded)
	}
	return nil
}

func (d *domainAssertionSteps) setContextVariable(name, value string) error {
	expanded, err := d.s.Expand(value)
	if err != nil {
		return err
	}
	d.s.Variables[name] = expanded
	// Sync well-known variables to scenario state
	if name == "conversationId" {
		// Already stored in Variables map, nothing else to sync
	}
	return nil
}

func (d *domainAssertionSteps) setContextVariableToJSONResponseField(name, path string) error {
	session := d.s.Session()
	respJSON, err := session.RespJSON()
	if err != nil {
		return err
	}
	value := jsonPathGet(respJSON, path)
	if value == nil {
		return fmt.Errorf("JSON response field '%s' is null or does not exist. Response: %s", path, string(session.RespBytes))
	}
	d.s.Variables[name] = value
	return nil
}

// jsonPathGet navigates a JSON structure using dot-separated path with array index support.
// e.g. "data.0.content.0.text" or "data[0].content[0].text"
func jsonPathGet(obj interface{}, path string) interface{} {
	// Normalize bracket notation: data[0] → data.0
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")

	parts := strings.Split(path, ".")
	current := obj
	for _, part := range parts {
		if part == "" {
			continue
		}
		switch v := current.(type) {
		case map[string]interface{}:
			current = v[part]
		case []interface{}:
			var idx int
			if _, err := fmt.Sscanf(part, "%d", &idx); err == nil && idx >= 0 && idx < len(v) {
				current = v[idx]
			} else {
				return nil
			}
		default:
			// Try JSON unmarshal if it's a string containing JSON
			if s, ok := current.(string); ok {
				var parsed interface{}
				if json.Unmarshal([]byte(s), &parsed) == nil {
					current = parsed
					// Re-navigate this part
					switch v2 := current.(type) {
					case map[string]interface{}:
						current = v2[part]
					default:
						return nil
					}
				} else {
					return nil
				}
			} else {
				return nil
			}
		}
	}
	return current
}
