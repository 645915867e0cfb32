package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/anjiri1684/amora_chat/models"
	"github.com/anjiri1684/amora_chat/store"
	"github.com/anjiri1684/amora_chat/utils"
	"github.com/go-playground/validator/v10"
)

// Broadcaster is the live fan-out the services announce persisted changes
// through.
type Broadcaster interface {
	EmitToConversation(conversationID, event string, data any)
	EmitToUser(userID, event string, data any)
}

var validate = validator.New()

func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: invalid %s", utils.ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", utils.ErrValidation, err)
	}
	return nil
}

// storeErr maps store sentinels onto the service error taxonomy.
func storeErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s %w", what, utils.ErrNotFound)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%s %w", what, utils.ErrConflict)
	case errors.Is(err, store.ErrStale):
		return fmt.Errorf("%s was changed by another request: %w", what, utils.ErrConflict)
	default:
		return err
	}
}

func forbidden(msg string) error {
	return fmt.Errorf("%w: %s", utils.ErrForbidden, msg)
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", utils.ErrValidation, msg)
}

func summaries(users map[string]models.User, ids []string) []models.UserSummary {
	out := make([]models.UserSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, summaryOf(users, id))
	}
	return out
}

// summaryOf falls back to the bare id for users without a profile row.
func summaryOf(users map[string]models.User, id string) models.UserSummary {
	if u, ok := users[id]; ok {
		return u.Summary()
	}
	return models.UserSummary{ID: id}
}

func uniqueIDs(groups ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, g := range groups {
		for _, id := range g {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
