// Package profile defines the personal data a search runs with, the targets it
// can run against, and the validation that turns raw input into a Config.
package profile

import (
	"errors"
	"fmt"
	"strings"
)

// Field enumerates the personal-information fields. Every field is required.
type Field int

// Personal-information fields in the order they are validated.
const (
	FirstName Field = iota
	LastName
	NAM
	CardSeqNumber
	PostalCode
	Cellphone
	Email
	BirthDay
	BirthMonth
	BirthYear
	fieldCount
)

var fieldKeys = [fieldCount]string{
	FirstName:     "first_name",
	LastName:      "last_name",
	NAM:           "nam",
	CardSeqNumber: "card_seq_number",
	PostalCode:    "postal_code",
	Cellphone:     "cellphone",
	Email:         "email",
	BirthDay:      "birth_day",
	BirthMonth:    "birth_month",
	BirthYear:     "birth_year",
}

// Fields returns every field in validation order.
func Fields() []Field {
	out := make([]Field, fieldCount)
	for i := range out {
		out[i] = Field(i)
	}
	return out
}

// Key is the stable identifier used in persisted records and messages.
func (f Field) Key() string {
	if f < 0 || f >= fieldCount {
		return fmt.Sprintf("field(%d)", int(f))
	}
	return fieldKeys[f]
}

func (f Field) String() string { return f.Key() }

// UrgentReasonID is the well-known consultation reason for an urgent visit.
const UrgentReasonID = "ac2a5fa4-8514-11ef-a759-005056b11d6c"

// PersonalInfo is the record persisted by the vault and handed to workers.
// ReasonID always holds a resolved identifier once the record has passed
// Validate.
type PersonalInfo struct {
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	NAM            string `json:"nam"`
	CardSeqNumber  string `json:"card_seq_number"`
	PostalCode     string `json:"postal_code"`
	Cellphone      string `json:"cellphone"`
	Email          string `json:"email"`
	BirthDay       string `json:"birth_day"`
	BirthMonth     string `json:"birth_month"`
	BirthYear      string `json:"birth_year"`
	ReasonID       string `json:"reason_id"`
	RVSQEnabled    bool   `json:"rvsq_enabled"`
	BonjourEnabled bool   `json:"bonjour_enabled"`
}

// Value returns the named field.
func (p PersonalInfo) Value(f Field) string {
	if ptr := p.field(f); ptr != nil {
		return *ptr
	}
	return ""
}

// Set assigns the named field. Unknown fields are ignored.
func (p *PersonalInfo) Set(f Field, v string) {
	if ptr := p.field(f); ptr != nil {
		*ptr = v
	}
}

func (p *PersonalInfo) field(f Field) *string {
	switch f {
	case FirstName:
		return &p.FirstName
	case LastName:
		return &p.LastName
	case NAM:
		return &p.NAM
	case CardSeqNumber:
		return &p.CardSeqNumber
	case PostalCode:
		return &p.PostalCode
	case Cellphone:
		return &p.Cellphone
	case Email:
		return &p.Email
	case BirthDay:
		return &p.BirthDay
	case BirthMonth:
		return &p.BirthMonth
	case BirthYear:
		return &p.BirthYear
	default:
		return nil
	}
}

// Enabled reports whether the target is switched on in this record.
func (p PersonalInfo) Enabled(t Target) bool {
	switch t {
	case TargetRVSQ:
		return p.RVSQEnabled
	case TargetBonjourSante:
		return p.BonjourEnabled
	default:
		return false
	}
}

// SetEnabled switches a target on or off. Unknown targets are ignored.
func (p *PersonalInfo) SetEnabled(t Target, on bool) {
	switch t {
	case TargetRVSQ:
		p.RVSQEnabled = on
	case TargetBonjourSante:
		p.BonjourEnabled = on
	}
}

// Config is the persisted unit. Its JSON shape matches the legacy plaintext
// file, so both encrypted and legacy artifacts decode into it.
type Config struct {
	PersonalInfo PersonalInfo `json:"personal_info"`
}

// IsZero reports whether c carries no data at all.
func (c Config) IsZero() bool {
	return c == Config{}
}

// EnabledTargets lists the switched-on targets in registration order.
func (c Config) EnabledTargets() []Target {
	var out []Target
	for _, t := range Targets() {
		if c.PersonalInfo.Enabled(t) {
			out = append(out, t)
		}
	}
	return out
}

// Reason returns the reason selection that produced c's identifier.
func (c Config) Reason() Reason {
	return ReasonFromID(c.PersonalInfo.ReasonID)
}

// Target identifies one remote appointment service.
type Target string

// Supported targets.
const (
	TargetRVSQ         Target = "rvsq"
	TargetBonjourSante Target = "bonjoursante"
)

// Targets returns every supported target.
func Targets() []Target {
	return []Target{TargetRVSQ, TargetBonjourSante}
}

// ParseTarget validates a target name.
func ParseTarget(s string) (Target, error) {
	t := Target(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Targets() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown target %q", s)
}

// ReasonMode selects how the consultation reason is chosen.
type ReasonMode int

// Reason modes.
const (
	ReasonUrgent ReasonMode = iota
	ReasonCustom
)

// Reason is the user's reason selection before validation.
type Reason struct {
	Mode   ReasonMode
	Custom string
}

// ReasonFromID maps a stored identifier back to a selection.
func ReasonFromID(id string) Reason {
	if id == "" || id == UrgentReasonID {
		return Reason{Mode: ReasonUrgent}
	}
	return Reason{Mode: ReasonCustom, Custom: id}
}

// ParseReasonMode accepts "urgent" or "custom".
func ParseReasonMode(s string) (ReasonMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "urgent":
		return ReasonUrgent, nil
	case "custom":
		return ReasonCustom, nil
	default:
		return 0, fmt.Errorf("unknown reason mode %q", s)
	}
}

// ReasonField names the reason identifier in validation errors.
const ReasonField = "reason_id"

// Resolve collapses the selection to the identifier workers submit.
func (r Reason) Resolve() (string, error) {
	switch r.Mode {
	case ReasonUrgent:
		return UrgentReasonID, nil
	case ReasonCustom:
		id := strings.TrimSpace(r.Custom)
		if id == "" {
			return "", &ValidationError{Field: ReasonField}
		}
		return id, nil
	default:
		return "", fmt.Errorf("unknown reason mode %d", r.Mode)
	}
}

// ErrNoTarget rejects a start request with every target switched off.
var ErrNoTarget = errors.New("please select at least one target")

// ValidationError names the first required field found empty.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

// Input is the raw start request before validation.
type Input struct {
	Info   PersonalInfo
	Reason Reason
}

// Validate checks required fields in order, resolves the reason, and requires
// at least one enabled target. The first problem found is returned.
func Validate(in Input) (Config, error) {
	for _, f := range Fields() {
		if strings.TrimSpace(in.Info.Value(f)) == "" {
			return Config{}, &ValidationError{Field: f.Key()}
		}
	}
	reasonID, err := in.Reason.Resolve()
	if err != nil {
		return Config{}, err
	}
	info := in.Info
	info.ReasonID = reasonID
	cfg := Config{PersonalInfo: info}
	if len(cfg.EnabledTargets()) == 0 {
		return Config{}, ErrNoTarget
	}
	return cfg, nil
}

// InputFromConfig rebuilds a start request from a saved Config.
func InputFromConfig(c Config) Input {
	return Input{Info: c.PersonalInfo, Reason: c.Reason()}
}
