// smoke-sign runs the full signing lifecycle against in-memory stores:
// issue, display, submit, replay. It exits non-zero on the first deviation.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"time"

	"signet.org/internal/ratelimit"
	"signet.org/internal/record"
	"signet.org/internal/signing"
	"signet.org/internal/token"
)

func main() {
	log.SetFlags(0)
	ctx := context.Background()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatalf("generate key: %v", err)
	}
	keyring, err := token.NewKeyring(key)
	if err != nil {
		log.Fatalf("keyring: %v", err)
	}

	svc := signing.NewService(token.NewCodec(keyring), ratelimit.NewMemory(),
		record.NewMemory(), nil,
		signing.WithRatePolicy(100, time.Hour))

	tok, _, err := svc.Issue(ctx, "student_checkout", "A123", 24*time.Hour)
	if err != nil {
		log.Fatalf("issue: %v", err)
	}

	display := signing.Request{
		Token:      tok,
		ClientAddr: "127.0.0.1",
		Endpoint:   "display",
	}
	rec, err := svc.Validate(ctx, display)
	if err != nil {
		log.Fatalf("display: %v", err)
	}
	if rec.Consumed {
		log.Fatal("display consumed the record")
	}

	submit := signing.Request{
		Token:      tok,
		ClientAddr: "127.0.0.1",
		Endpoint:   "signature",
		Consume:    true,
	}
	rec, err = svc.Validate(ctx, submit)
	if err != nil {
		log.Fatalf("submit: %v", err)
	}
	if !rec.Consumed {
		log.Fatal("submit did not consume the record")
	}

	if _, err = svc.Validate(ctx, submit); !signing.IsReason(err, signing.ReasonAlreadyUsed) {
		log.Fatalf("replay: expected already_used, got %v", err)
	}

	fmt.Println("signing lifecycle smoke test passed")
}
