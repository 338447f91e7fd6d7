package cdpcontrol

import (
	"encoding/json"
	"strings"

	"github.com/dgnsrekt/tabvolume/internal/apperr"
	"github.com/dgnsrekt/tabvolume/internal/audio"
)

// In-page error codes that map onto audio sentinel errors.
const (
	jsCodeElementGone  = "ELEMENT_GONE"
	jsCodeAlreadyBound = "ALREADY_BOUND"
	jsCodeNoNode       = "NO_NODE"
)

type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// decodeEnvelope unpacks the {ok, data, error_code, error_message} object
// every injected script returns.
func decodeEnvelope(raw string, out any) error {
	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return apperr.New(apperr.CodeEvalFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		switch env.ErrorCode {
		case jsCodeElementGone:
			return audio.ErrElementGone
		case jsCodeAlreadyBound:
			return audio.ErrAlreadyBound
		case jsCodeNoNode:
			return apperr.New(apperr.CodeTargetGone, env.ErrorMessage, audio.ErrNodeGone)
		case "":
			return apperr.New(apperr.CodeEvalFailure, env.ErrorMessage, nil)
		}
		return apperr.New(env.ErrorCode, env.ErrorMessage, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperr.New(apperr.CodeEvalFailure, "invalid evaluation data", err)
	}
	return nil
}

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func jsJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func wrapJSEval(body string) string {
	return `(function(){
try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + apperr.CodeEvalFailure + `",error_message:String(err && err.message || err)});
}
})()`
}

// registryCall builds an expression that installs the page registry when a
// navigation dropped it and then invokes one of its methods.
func registryCall(method string, args ...any) string {
	return wrapJSEval(jsPageRegistry + `
var r = window.__tabvolume[` + jsString(method) + `](` + jsArgs(args) + `);
return JSON.stringify(r);`)
}

func jsArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = jsJSON(a)
	}
	return strings.Join(parts, ",")
}
