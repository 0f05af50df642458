package tools

import (
	"encoding/json"
	"errors"

	"github.com/sharedctx/sharedctx-server/internal/mcperr"
)

// ToEnvelope normalizes any handler error into the spec's error envelope.
// Handlers return *mcperr.Envelope directly for domain errors; anything
// else is wrapped as an unrecoverable internal error, never echoing raw
// internal error text that might leak storage details.
func ToEnvelope(err error) *mcperr.Envelope {
	if err == nil {
		return nil
	}
	var env *mcperr.Envelope
	if errors.As(err, &env) {
		return env
	}
	return mcperr.New(mcperr.CodeInternalError, "internal error")
}

// ToJSONRPCError converts an envelope to the (code, message, data) triple
// the JSON-RPC response's error field needs, mirroring the teacher's
// ToolError.ToJSONRPCError but keyed off the richer error taxonomy.
func ToJSONRPCError(env *mcperr.Envelope) (int, string, json.RawMessage) {
	var code int
	switch env.Severity {
	case mcperr.SeverityCritical:
		code = -32603 // InternalError
	case mcperr.SeverityWarning:
		code = -32000 // server-defined: transient/retriable
	default:
		code = -32602 // InvalidParams: most domain errors are caller-fixable
	}

	data, _ := json.Marshal(env)
	return code, env.Message, data
}
