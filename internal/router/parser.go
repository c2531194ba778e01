package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"github.com/allenxing4071/aicoin-sub002/internal/pkg/jsonutil"
)

const maxRationaleLen = 512

const decisionSchema = `{
  "type": "object",
  "required": ["action", "size", "confidence"],
  "properties": {
    "action":     {"type": "string", "enum": ["BUY", "SELL", "HOLD"]},
    "size":       {"type": "number", "minimum": 0},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "rationale":  {"type": "string"}
  },
  "additionalProperties": false
}`

var compiledSchema = jsonschema.MustCompileString("decision.json", decisionSchema)

type decisionPayload struct {
	Action     string  `json:"action"`
	Size       float64 `json:"size"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// ParseDecision turns raw model output into the validated action payload.
// Any failure is a DECISION_PARSE_ERROR: the output is discarded, never
// coerced into a guess.
func ParseDecision(raw string) (decisionPayload, error) {
	var out decisionPayload

	block, ok := jsonutil.ExtractJSON(raw)
	if !ok {
		return out, fmt.Errorf("%w: no JSON object in model output", ErrDecisionParse)
	}
	if !gjson.Valid(block) {
		return out, fmt.Errorf("%w: invalid JSON", ErrDecisionParse)
	}
	parsed := gjson.Parse(block)
	if !parsed.IsObject() {
		return out, fmt.Errorf("%w: root must be a JSON object", ErrDecisionParse)
	}
	if strings.TrimSpace(parsed.Get("action").String()) == "" {
		return out, fmt.Errorf("%w: missing action field", ErrDecisionParse)
	}

	var generic any
	if err := json.Unmarshal([]byte(block), &generic); err != nil {
		return out, fmt.Errorf("%w: %v", ErrDecisionParse, err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return out, fmt.Errorf("%w: %v", ErrDecisionParse, err)
	}

	dec := json.NewDecoder(strings.NewReader(block))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrDecisionParse, err)
	}

	action := Action(strings.ToUpper(strings.TrimSpace(out.Action)))
	if !action.Valid() {
		return out, fmt.Errorf("%w: unknown action %q", ErrDecisionParse, out.Action)
	}
	out.Action = string(action)

	if action == ActionHold && out.Size != 0 {
		return out, fmt.Errorf("%w: HOLD must carry size 0, got %v", ErrDecisionParse, out.Size)
	}
	if out.Size < 0 {
		return out, fmt.Errorf("%w: negative size %v", ErrDecisionParse, out.Size)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return out, fmt.Errorf("%w: confidence %v out of [0,1]", ErrDecisionParse, out.Confidence)
	}
	if len(out.Rationale) > maxRationaleLen {
		return out, fmt.Errorf("%w: rationale length %d exceeds %d", ErrDecisionParse, len(out.Rationale), maxRationaleLen)
	}
	return out, nil
}
