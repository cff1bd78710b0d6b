package bank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/jonanatree/cyberbank/internal/cardgen"
	"github.com/jonanatree/cyberbank/internal/expiry"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

// appendDevRoutes mounts operator endpoints for local and test deployments.
func (a *App) appendDevRoutes(r chi.Router) {
	r.Route("/dev", func(r chi.Router) {
		r.Post("/clients", a.seedClient)
		r.Post("/settlement/sweep", a.sweepNow)
	})
}

func (a *App) sweepNow(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	report, err := a.sweeper.Sweep(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *App) seedClient(w http.ResponseWriter, r *http.Request) {
	var seed models.ClientSeed
	if err := json.NewDecoder(r.Body).Decode(&seed); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	client, account, card, err := a.clientFromSeed(seed)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.repo.CreateClient(r.Context(), client, account, card); err != nil {
		if errors.Is(err, ErrConflict) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	logger := a.logger.With(slog.String("client_id", client.ID), slog.String("account", account.Number))
	if card != nil {
		logger = logger.With(slog.String("pan", cardgen.MaskPAN(card.PAN)))
	}
	logger.Info("client seeded")
	writeJSON(w, http.StatusCreated, client)
}

func (a *App) clientFromSeed(seed models.ClientSeed) (*models.Client, *models.Account, *models.Card, error) {
	if seed.ClientID == "" || seed.AccountNumber == "" || strings.TrimSpace(seed.Name) == "" {
		return nil, nil, nil, fmt.Errorf("client_id, name and account_number are required")
	}
	if seed.Balance < 0 {
		return nil, nil, nil, fmt.Errorf("balance must not be negative")
	}
	client := &models.Client{ID: seed.ClientID, Name: seed.Name, AccountNumber: seed.AccountNumber}

	if (seed.MerchantID == "") != (seed.MerchantSecret == "") {
		return nil, nil, nil, fmt.Errorf("merchant_id and merchant_secret go together")
	}
	if seed.MerchantID != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(seed.MerchantSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("hashing merchant secret: %w", err)
		}
		client.MerchantID = seed.MerchantID
		client.MerchantSecretHash = hash
	}

	card := seed.Card()
	if card != nil {
		if !cardgen.ValidPAN(cardgen.NormalizePAN(card.PAN)) {
			return nil, nil, nil, fmt.Errorf("pan is not a valid card number")
		}
		route, err := ResolveRoute(card.PAN, a.config.PANPrefix)
		if err != nil {
			return nil, nil, nil, err
		}
		if route != SameBank {
			return nil, nil, nil, fmt.Errorf("pan does not carry this bank's prefix %s", a.config.PANPrefix)
		}
		if _, err := expiry.ParseCardFace(card.Expiration); err != nil {
			return nil, nil, nil, fmt.Errorf("expiration: %w", err)
		}
		if len(card.SecurityCode) < 3 || !cardgen.IsDigits(card.SecurityCode) {
			return nil, nil, nil, fmt.Errorf("security code must be 3 or 4 digits")
		}
	}

	return client, &models.Account{Number: seed.AccountNumber, Balance: seed.Balance}, card, nil
}
