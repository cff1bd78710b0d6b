// Command cardgen seeds a bank with a payer holding a freshly generated card, or
// with a merchant, through the bank's /dev endpoints.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/jonanatree/cyberbank/internal/cardgen"
	"github.com/jonanatree/cyberbank/internal/devclient"
	"github.com/jonanatree/cyberbank/internal/expiry"
)

var (
	flagPrefix         = flag.String("prefix", "421234", "bank PAN prefix the card is generated under")
	flagLength         = flag.Int("length", 16, "PAN length")
	flagBank           = flag.String("bank", "http://127.0.0.1:9090", "bank base URL")
	flagClient         = flag.String("client", "", "client id (required)")
	flagAccount        = flag.String("account", "", "account number (required)")
	flagName           = flag.String("name", "", "client name (required)")
	flagBalance        = flag.String("balance", "0.00", "opening balance")
	flagYears          = flag.Int("years", 3, "card validity in years")
	flagCardName       = flag.String("card-name", "", "cardholder name for card face imprint")
	flagMerchantID     = flag.String("merchant-id", "", "register the client as a merchant with this id")
	flagMerchantSecret = flag.String("merchant-secret", "", "merchant password")
	flagNoCard         = flag.Bool("no-card", false, "do not generate a card (merchants)")
	flagShowOnly       = flag.Bool("print", false, "print JSON only, do not POST")
	flagVerbose        = flag.Bool("verbose", false, "print full PAN and security code")
)

func main() {
	flag.Parse()
	if *flagClient == "" || *flagAccount == "" || *flagName == "" {
		fail("-client, -account and -name are required")
	}
	balance := must1(models.ParseAmount(*flagBalance))

	seed := models.ClientSeed{
		ClientID:       *flagClient,
		Name:           *flagName,
		AccountNumber:  *flagAccount,
		Balance:        balance,
		MerchantID:     *flagMerchantID,
		MerchantSecret: *flagMerchantSecret,
	}

	if !*flagNoCard {
		pan := must1(cardgen.GeneratePAN(*flagPrefix, *flagLength))
		face := expiry.CardFace(time.Now(), *flagYears, nil)
		seed.PAN = pan
		seed.Expiration = face
		seed.CardholderName = normalizeCardName(*flagCardName)
		seed.SecurityCode = securityCode(pan, face)

		printPAN, printCode := cardgen.MaskPAN(pan), "***"
		if *flagVerbose {
			printPAN, printCode = pan, seed.SecurityCode
		}
		fmt.Printf("PAN: %s\nEXP(card-face): %s\nCODE: %s\n", printPAN, face, printCode)
		if seed.CardholderName != "" {
			fmt.Printf("NAME(card-face): %s\n", seed.CardholderName)
		}
	}

	if *flagShowOnly {
		enc, _ := json.MarshalIndent(seed, "", "  ")
		fmt.Println(string(enc))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	must(devclient.New(*flagBank, nil).SeedClient(ctx, seed))
	fmt.Printf("Seeded client %s (account %s) at %s\n", seed.ClientID, seed.AccountNumber, *flagBank)
}

// securityCode derives the code from CVK_KEY when set so reruns reproduce it.
func securityCode(pan, face string) string {
	if key := os.Getenv("CVK_KEY"); key != "" {
		yymm := must1(expiry.ParseCardFace(face))
		return must1(cardgen.DeriveSecurityCode(pan, yymm, []byte(key)))
	}
	return must1(cardgen.RandomDigits(3))
}

func normalizeCardName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	up := strings.ToUpper(strings.Join(strings.Fields(trimmed), " "))
	if len(up) > 26 {
		return up[:26]
	}
	return up
}

func must(err error) {
	if err != nil {
		fail("%v", err)
	}
}

func must1[T any](v T, err error) T {
	if err != nil {
		fail("%v", err)
	}
	return v
}

func fail(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
