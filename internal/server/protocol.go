package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/kizuki/internal/app"
	"github.com/MrWong99/kizuki/internal/config"
	"github.com/MrWong99/kizuki/pkg/label"
)

// Command types accepted as text messages on /v1/sessions.
const (
	CmdStart         = "start"
	CmdReplaceLabels = "replace_labels"
	CmdReset         = "reset"
	CmdStop          = "stop"
	CmdRequestHint   = "request_hint"
)

// Command is a client instruction. Fields other than Type are only read by
// the commands that use them.
type Command struct {
	Type string `json:"type" validate:"required,oneof=start replace_labels reset stop request_hint"`

	// ModeID selects the stored label set. Required by start.
	ModeID string `json:"mode_id" validate:"required_if=Type start,max=64"`

	// Labels replaces the stored label set on start, and is required by
	// replace_labels.
	Labels *label.Set `json:"labels" validate:"required_if=Type replace_labels"`

	// Gating overrides individual server thresholds on start. Durations are
	// strings such as "300ms".
	Gating json.RawMessage `json:"gating,omitempty"`
}

// Reply types written back to the client. Pipeline events use the
// [detect.EventType] names.
const (
	ReplyStarted = "started"
	ReplyOK      = "ok"
	ReplyError   = "command_error"
)

// Reply acknowledges a command.
type Reply struct {
	Type    string           `json:"type"`
	Command string           `json:"command,omitempty"`
	Session *app.SessionInfo `json:"session,omitempty"`
	Error   string           `json:"error,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeCommand parses and validates one text message.
func decodeCommand(data []byte) (Command, error) {
	var cmd Command
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		return Command{}, fmt.Errorf("malformed command: %w", err)
	}
	if err := validate.Struct(cmd); err != nil {
		return Command{}, describeValidation(err)
	}
	return cmd, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		switch e.Tag() {
		case "required", "required_if":
			msgs = append(msgs, e.Namespace()+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", e.Namespace(), e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", e.Namespace(), e.Tag(), e.Param()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// overrideGating applies a gating document onto base. JSON is a YAML subset,
// so the config decoder and its duration handling are reused.
func overrideGating(base config.Gating, raw json.RawMessage, sampleRate int) (config.Gating, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return base, nil
	}
	g := base
	g.HallucinationPatterns = append([]string(nil), base.HallucinationPatterns...)

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		return config.Gating{}, fmt.Errorf("gating: %w", err)
	}
	if err := config.ValidateGating("gating", g, sampleRate); err != nil {
		return config.Gating{}, err
	}
	return g, nil
}
