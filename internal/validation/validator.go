package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/devrev/streakd/internal/errors"
	"github.com/devrev/streakd/internal/model"
)

const (
	// MaxIDSize bounds guild, user, channel and role identifiers
	MaxIDSize = 64
	// MaxContentSize bounds message content kept in lastMessage
	MaxContentSize = 4000
	// MaxRangeDays bounds a retention date range
	MaxRangeDays = 3660
)

// Validator validates identifiers and inputs coming from the outer layer
type Validator struct {
	maxIDSize    int
	maxRangeDays int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxIDSize:    MaxIDSize,
		maxRangeDays: MaxRangeDays,
	}
}

// ValidateGuildID validates a guild ID. Guild IDs name directories, so
// anything that could escape the data directory is rejected.
func (v *Validator) ValidateGuildID(guildID string) error {
	if reason := v.checkID(guildID); reason != "" {
		return errors.InvalidGuildID(guildID, reason)
	}
	return nil
}

// ValidateUserID validates a user ID
func (v *Validator) ValidateUserID(userID string) error {
	if reason := v.checkID(userID); reason != "" {
		return errors.InvalidUserID(userID, reason)
	}
	return nil
}

// ValidateSnowflake validates a channel or role ID
func (v *Validator) ValidateSnowflake(kind, id string) error {
	if reason := v.checkID(id); reason != "" {
		return errors.Validation(fmt.Sprintf("invalid %s ID: %s", kind, reason)).
			WithDetail(kind+"_id", id)
	}
	return nil
}

func (v *Validator) checkID(id string) string {
	if id == "" {
		return "ID cannot be empty"
	}
	if len(id) > v.maxIDSize {
		return fmt.Sprintf("ID exceeds maximum size of %d bytes", v.maxIDSize)
	}
	if id == "." || strings.Contains(id, "..") {
		return "ID cannot contain '..'"
	}
	if strings.ContainsAny(id, `/\`) {
		return "ID cannot contain path separators"
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return "ID cannot contain control or space characters"
		}
	}
	return ""
}

// DateRange is an inclusive range of calendar days
type DateRange struct {
	Start string
	End   string
}

// ValidateDateRange checks both bounds are YYYY-MM-DD and ordered
func (v *Validator) ValidateDateRange(name string, r DateRange) error {
	start, err := time.Parse(model.DateLayout, r.Start)
	if err != nil {
		return errors.Validation(fmt.Sprintf("%s start date %q must be YYYY-MM-DD", name, r.Start))
	}
	end, err := time.Parse(model.DateLayout, r.End)
	if err != nil {
		return errors.Validation(fmt.Sprintf("%s end date %q must be YYYY-MM-DD", name, r.End))
	}
	if end.Before(start) {
		return errors.Validation(fmt.Sprintf("%s start date %s is after end date %s", name, r.Start, r.End))
	}
	if days := int(end.Sub(start).Hours() / 24); days > v.maxRangeDays {
		return errors.OutOfRange(name+" length in days", days, 0, v.maxRangeDays)
	}
	return nil
}

// TruncateContent limits message content to MaxContentSize runes
func TruncateContent(content string) string {
	if len(content) <= MaxContentSize {
		return content
	}
	runes := []rune(content)
	if len(runes) <= MaxContentSize {
		return content
	}
	return string(runes[:MaxContentSize])
}
