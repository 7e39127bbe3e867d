package direct

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/mnehpets/directserve/endpoint"
)

// Form fields sent by the Ext.Direct client on a form submission.
const (
	FieldAction = "extAction"
	FieldMethod = "extMethod"
	FieldTID    = "extTID"
	FieldUpload = "extUpload"
	FieldType   = "extType"
)

var formFields = []string{FieldAction, FieldMethod, FieldTID, FieldUpload, FieldType}

const (
	defaultMaxFormMemory int64 = 32 << 20
	defaultMaxBodyBytes  int64 = 10 << 20
)

// Call is one remote invocation extracted from a request.
type Call struct {
	Action string
	Method string
	Params []any
	// TID is the client's transaction id, kept as raw JSON so that it is
	// echoed back exactly.
	TID json.RawMessage
}

// IsFormSubmission reports whether the request parameters (query and form)
// contain all of the Ext.Direct routing fields.
func IsFormSubmission(r *http.Request) (bool, error) {
	return isFormSubmission(r, defaultMaxFormMemory)
}

func isFormSubmission(r *http.Request, maxMemory int64) (bool, error) {
	values, _, err := endpoint.ParseForm(r, maxMemory)
	if err != nil {
		return false, malformed("%v", err)
	}
	return hasFormFields(values), nil
}

func hasFormFields(values url.Values) bool {
	for _, k := range formFields {
		if _, ok := values[k]; !ok {
			return false
		}
	}
	return true
}

// ParseFormSubmission extracts the single call of a form submission. Its
// only parameter is a *FormData holding the remaining fields and files.
func ParseFormSubmission(r *http.Request) ([]Call, error) {
	return parseFormSubmission(r, defaultMaxFormMemory)
}

func parseFormSubmission(r *http.Request, maxMemory int64) ([]Call, error) {
	values, files, err := endpoint.ParseForm(r, maxMemory)
	if err != nil {
		return nil, malformed("%v", err)
	}
	if !hasFormFields(values) {
		return nil, malformed("missing form submission fields")
	}

	rest := make(url.Values, len(values))
	for k, vs := range values {
		rest[k] = append([]string(nil), vs...)
	}
	for _, k := range formFields {
		delete(rest, k)
	}

	tid, err := json.Marshal(values.Get(FieldTID))
	if err != nil {
		return nil, malformed("%v", err)
	}
	data := &FormData{
		Values: rest,
		Files:  files,
		Type:   values.Get(FieldType),
		Upload: values.Get(FieldUpload),
	}
	return []Call{{
		Action: values.Get(FieldAction),
		Method: values.Get(FieldMethod),
		Params: []any{data},
		TID:    tid,
	}}, nil
}

type rawCall struct {
	Action *string         `json:"action"`
	Method *string         `json:"method"`
	Data   json.RawMessage `json:"data"`
	TID    json.RawMessage `json:"tid"`
}

// ParseBatchRequest decodes a JSON request body into calls. A single object
// is treated as a batch of one.
func ParseBatchRequest(body []byte) ([]Call, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, malformed("empty body")
	}

	var raws []json.RawMessage
	if body[0] == '[' {
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, malformed("invalid JSON: %v", err)
		}
		if len(raws) == 0 {
			return nil, malformed("empty batch")
		}
	} else {
		raws = []json.RawMessage{body}
	}

	calls := make([]Call, 0, len(raws))
	for i, raw := range raws {
		c, err := parseCall(raw)
		if err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
		calls = append(calls, c)
	}
	return calls, nil
}

func parseCall(raw json.RawMessage) (Call, error) {
	var rc rawCall
	if err := json.Unmarshal(raw, &rc); err != nil {
		return Call{}, malformed("invalid JSON: %v", err)
	}
	switch {
	case rc.Action == nil:
		return Call{}, malformed("missing action")
	case rc.Method == nil:
		return Call{}, malformed("missing method")
	case len(rc.TID) == 0:
		return Call{}, malformed("missing tid")
	}

	var params []any
	if len(rc.Data) > 0 && !bytes.Equal(rc.Data, []byte("null")) {
		var items []json.RawMessage
		if err := json.Unmarshal(rc.Data, &items); err != nil {
			return Call{}, malformed("data must be an array")
		}
		params = make([]any, len(items))
		for i, item := range items {
			params[i] = item
		}
	}
	return Call{
		Action: *rc.Action,
		Method: *rc.Method,
		Params: params,
		TID:    rc.TID,
	}, nil
}

// ParseRequest classifies r and extracts its calls. form reports whether r
// was a form submission.
func ParseRequest(r *http.Request) (calls []Call, form bool, err error) {
	return parseRequest(r, nil, defaultMaxFormMemory, defaultMaxBodyBytes)
}

// parseRequest reads the body itself unless body is non-nil.
func parseRequest(r *http.Request, body []byte, maxMemory, maxBody int64) ([]Call, bool, error) {
	form, err := isFormSubmission(r, maxMemory)
	if err != nil {
		return nil, false, err
	}
	if form {
		calls, err := parseFormSubmission(r, maxMemory)
		return calls, true, err
	}

	if body == nil && r.Body != nil {
		body, err = readBody(r.Body, maxBody)
		if err != nil {
			return nil, false, err
		}
	}
	if int64(len(body)) > maxBody {
		return nil, false, tooLarge(maxBody)
	}
	calls, err := ParseBatchRequest(body)
	return calls, false, err
}

var errBodyTooLarge = errors.New("request body too large")

func tooLarge(limit int64) error {
	return fmt.Errorf("%w: %w (limit %d bytes)", ErrMalformedRequest, errBodyTooLarge, limit)
}

func readBody(rc io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, malformed("read body: %v", err)
	}
	if int64(len(b)) > limit {
		return nil, tooLarge(limit)
	}
	return b, nil
}
