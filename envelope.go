package agentmesh

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hatsunemiku3939/agentmesh/fault"
	"github.com/hatsunemiku3939/agentmesh/pkg/jsonschema"
)

// Envelope is the atomic message unit. It is immutable after creation: the
// pipeline copies it by value and no core component except the owning
// handler and the schema validator ever looks inside Payload.
type Envelope struct {
	Namespace  string          `json:"namespace"`
	PayloadTag string          `json:"payloadTag"`
	Payload    json.RawMessage `json:"payload"`
	Sender     string          `json:"sender"`
	ThreadID   string          `json:"threadId"`
	Profile    string          `json:"profile"`
}

// EnvelopeSchema is the JSON schema every wire envelope must satisfy before
// any parsing happens.
var EnvelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "namespace": { "type": "string", "minLength": 1 },
    "payloadTag": { "type": "string", "minLength": 1 },
    "payload": {},
    "sender": { "type": "string", "minLength": 1 },
    "threadId": { "type": "string", "minLength": 1 },
    "profile": { "type": "string", "minLength": 1 }
  },
  "required": ["namespace", "payloadTag", "payload", "sender", "threadId", "profile"]
}`

// envelopeFields is the cheap pre-parse field sniff applied to raw bytes
// before schema validation.
var envelopeFields = []string{"namespace", "payloadTag", "payload", "sender", "threadId", "profile"}

// threadComponent matches one component of a dotted thread id.
var threadComponent = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// RootThreadID is the id of the single root thread.
const RootThreadID = "root"

// ValidThreadID reports whether id is a well-formed dotted thread path
// anchored at the literal root component.
func ValidThreadID(id string) bool {
	parts := strings.Split(id, ".")
	if parts[0] != RootThreadID {
		return false
	}
	for _, p := range parts[1:] {
		if !threadComponent.MatchString(p) {
			return false
		}
	}
	return true
}

// ParseEnvelope decodes a wire envelope from raw bytes. The raw document is
// sniffed for required fields first, then validated against EnvelopeSchema,
// then decoded. Payload bytes are carried through untouched.
func ParseEnvelope(schemas *jsonschema.Registry, raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, fault.New(fault.KindMalformedEnvelope, "not a JSON document")
	}
	for _, f := range envelopeFields {
		if !gjson.GetBytes(raw, f).Exists() {
			return Envelope{}, fault.New(fault.KindMalformedEnvelope, "missing field").At(f)
		}
	}
	if err := schemas.Validate(envelopeSchemaRef, raw); err != nil {
		var verr *jsonschema.ValidationError
		if ok := asValidationError(err, &verr); ok {
			v := verr.First()
			return Envelope{}, fault.New(fault.KindMalformedEnvelope, "%s", v.Reason).At(v.Path)
		}
		return Envelope{}, fault.New(fault.KindMalformedEnvelope, "%v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fault.New(fault.KindMalformedEnvelope, "decode: %v", err)
	}
	return env, nil
}

// validate checks structural well-formedness of an already-decoded envelope.
func (e Envelope) validate() *fault.Error {
	switch {
	case e.Namespace == "":
		return fault.New(fault.KindMalformedEnvelope, "empty namespace").At("namespace")
	case e.PayloadTag == "":
		return fault.New(fault.KindMalformedEnvelope, "empty payload tag").At("payloadTag")
	case e.Payload == nil:
		return fault.New(fault.KindMalformedEnvelope, "nil payload").At("payload")
	case e.Sender == "":
		return fault.New(fault.KindMalformedEnvelope, "empty sender").At("sender")
	case e.Profile == "":
		return fault.New(fault.KindMalformedEnvelope, "empty profile").At("profile")
	case !ValidThreadID(e.ThreadID):
		return fault.New(fault.KindMalformedEnvelope, "bad thread id %q", e.ThreadID).At("threadId")
	}
	return nil
}

// String renders routing metadata for logs. Payload bytes are not included.
func (e Envelope) String() string {
	return fmt.Sprintf("%s/%s from=%s thread=%s profile=%s", e.Namespace, e.PayloadTag, e.Sender, e.ThreadID, e.Profile)
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	for err != nil {
		if v, ok := err.(*jsonschema.ValidationError); ok {
			*target = v
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
