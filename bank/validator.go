package bank

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/jonanatree/cyberbank/internal/expiry"
)

// CardValidator checks claimed card data against the stored card. It never mutates
// anything.
type CardValidator struct {
	repo *Repository
	loc  *time.Location
	now  func() time.Time
}

func NewCardValidator(repo *Repository, loc *time.Location) *CardValidator {
	return &CardValidator{repo: repo, loc: loc, now: time.Now}
}

// Validate returns the stored card when the security code and expiration match it.
func (v *CardValidator) Validate(ctx context.Context, data models.CardData) (*models.Card, error) {
	card, err := v.repo.FindCard(ctx, data.PAN)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, models.ErrCardNotFound
		}
		return nil, fmt.Errorf("finding card: %w", err)
	}

	code := strings.TrimSpace(data.SecurityCode)
	stored := strings.TrimSpace(card.SecurityCode)
	if subtle.ConstantTimeCompare([]byte(code), []byte(stored)) != 1 {
		return nil, fmt.Errorf("security code: %w", models.ErrCardDataMismatch)
	}
	if strings.TrimSpace(data.Expiration) != strings.TrimSpace(card.Expiration) {
		return nil, fmt.Errorf("expiration: %w", models.ErrCardDataMismatch)
	}

	expired, err := expiry.CardFaceExpired(card.Expiration, v.now(), v.loc)
	if err != nil {
		return nil, fmt.Errorf("stored expiration %q: %w", card.Expiration, err)
	}
	if expired {
		return nil, models.ErrCardExpired
	}
	return card, nil
}
