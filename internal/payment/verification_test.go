package payment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestVerifyPayment_Approve(t *testing.T) {
	env := newTestEnv(splitTerms())
	p := env.pendingVerification(t, 5000)

	env.clock.Advance(2 * time.Hour)
	verified, err := env.svc.VerifyPayment(context.Background(), p.ID, true, "")
	if err != nil {
		t.Fatalf("VerifyPayment failed: %v", err)
	}
	if verified.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", verified.Status)
	}
	if verified.PaidAt == nil || !verified.PaidAt.Equal(env.clock.Now()) {
		t.Errorf("expected paidAt %v, got %v", env.clock.Now(), verified.PaidAt)
	}
}

func TestVerifyPayment_RejectThenVerifyAgain(t *testing.T) {
	env := newTestEnv(splitTerms())
	ctx := context.Background()
	p := env.pendingVerification(t, 5000)

	rejected, err := env.svc.VerifyPayment(ctx, p.ID, false, "missing signature")
	if err != nil {
		t.Fatalf("VerifyPayment failed: %v", err)
	}
	if rejected.Status != StatusFailed {
		t.Errorf("expected FAILED, got %s", rejected.Status)
	}
	if rejected.VerificationNotes == nil || *rejected.VerificationNotes != "missing signature" {
		t.Errorf("expected notes to be stored, got %v", rejected.VerificationNotes)
	}
	if rejected.PaidAt != nil {
		t.Error("rejected payment must not have paidAt")
	}

	_, err = env.svc.VerifyPayment(ctx, p.ID, true, "")
	var ite *IllegalTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if ite.From != StatusFailed || ite.To != StatusCompleted || ite.Op != OpVerify {
		t.Errorf("unexpected error fields: %+v", ite)
	}
}

func TestVerifyPayment_RequiresPendingVerification(t *testing.T) {
	env := newTestEnv(splitTerms())

	p, err := env.recordManual(5000, TypeTenantPortion)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.VerifyPayment(context.Background(), p.ID, true, ""); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition for PENDING payment, got %v", err)
	}
}

func TestCancelPayment(t *testing.T) {
	env := newTestEnv(splitTerms())
	ctx := context.Background()

	p, err := env.recordManual(5000, TypeTenantPortion)
	if err != nil {
		t.Fatal(err)
	}
	cancelled, err := env.svc.CancelPayment(ctx, p.ID, "duplicate transfer")
	if err != nil {
		t.Fatalf("CancelPayment failed: %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.CancelledAt == nil {
		t.Errorf("unexpected payment: %+v", cancelled)
	}
	if *cancelled.CancellationReason != "duplicate transfer" {
		t.Errorf("unexpected reason %q", *cancelled.CancellationReason)
	}

	// The row is kept.
	if _, err := env.repo.GetByID(ctx, p.ID); err != nil {
		t.Errorf("cancelled payment must not be deleted: %v", err)
	}

	if _, err := env.svc.CancelPayment(ctx, p.ID, "again"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestCancelPayment_PendingVerification(t *testing.T) {
	env := newTestEnv(splitTerms())
	p := env.pendingVerification(t, 5000)

	cancelled, err := env.svc.CancelPayment(context.Background(), p.ID, "wrong policy")
	if err != nil {
		t.Fatalf("CancelPayment failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", cancelled.Status)
	}
}

func TestCancelPayment_RequiresReason(t *testing.T) {
	env := newTestEnv(splitTerms())
	p, _ := env.recordManual(5000, TypeTenantPortion)

	if _, err := env.svc.CancelPayment(context.Background(), p.ID, "   "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := env.svc.CancelPayment(context.Background(), p.ID, strings.Repeat("x", 501)); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for an overlong reason, got %v", err)
	}

	got, _ := env.repo.GetByID(context.Background(), p.ID)
	if got.Status != StatusPending {
		t.Errorf("rejected cancellation must not change the payment, got %s", got.Status)
	}
}

func TestVerifyPayment_RejectsControlCharactersInNotes(t *testing.T) {
	env := newTestEnv(splitTerms())
	p := env.pendingVerification(t, 5000)

	if _, err := env.svc.VerifyPayment(context.Background(), p.ID, true, "ok\x00"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	got, _ := env.repo.GetByID(context.Background(), p.ID)
	if got.Status != StatusPendingVerification {
		t.Errorf("expected payment to stay PENDING_VERIFICATION, got %s", got.Status)
	}
}

func TestCancelPayment_ExpiresGatewaySession(t *testing.T) {
	env := newTestEnv(tenantOnlyTerms())
	ctx := context.Background()

	links, err := env.svc.GenerateLinks(ctx, testPolicyID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.CancelPayment(ctx, links[0].ID, "policy withdrawn"); err != nil {
		t.Fatalf("CancelPayment failed: %v", err)
	}

	expired := env.gateway.expiredSessions()
	if len(expired) != 1 || expired[0] != *links[0].CheckoutSessionID {
		t.Errorf("expected session %s to be expired, got %v", *links[0].CheckoutSessionID, expired)
	}
}

func TestCancelPayment_SessionExpiryFailureIgnored(t *testing.T) {
	env := newTestEnv(tenantOnlyTerms())
	env.gateway.expireFn = func(context.Context, string) error { return errors.New("stripe down") }
	ctx := context.Background()

	links, err := env.svc.GenerateLinks(ctx, testPolicyID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.CancelPayment(ctx, links[0].ID, "policy withdrawn"); err != nil {
		t.Errorf("cancel must succeed when session expiry fails: %v", err)
	}
}

func TestVerifyAndCancel_Concurrent(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := newTestEnv(splitTerms())
		p := env.pendingVerification(t, 5000)

		var wg sync.WaitGroup
		var verifyErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, verifyErr = env.svc.VerifyPayment(context.Background(), p.ID, true, "")
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = env.svc.CancelPayment(context.Background(), p.ID, "operator cancel")
		}()
		wg.Wait()

		if (verifyErr == nil) == (cancelErr == nil) {
			t.Fatalf("exactly one operation must succeed: verify=%v cancel=%v", verifyErr, cancelErr)
		}
		loser := verifyErr
		if loser == nil {
			loser = cancelErr
		}
		if !errors.Is(loser, ErrIllegalTransition) {
			t.Errorf("loser must observe an illegal transition, got %v", loser)
		}
	}
}

func TestTerminalImmutability(t *testing.T) {
	ctx := context.Background()

	terminal := map[Status]func(t *testing.T, env *testEnv) *Payment{
		StatusCompleted: func(t *testing.T, env *testEnv) *Payment {
			p := env.pendingVerification(t, 5000)
			p, _ = env.svc.VerifyPayment(ctx, p.ID, true, "")
			return p
		},
		StatusFailed: func(t *testing.T, env *testEnv) *Payment {
			p := env.pendingVerification(t, 5000)
			p, _ = env.svc.VerifyPayment(ctx, p.ID, false, "blurry")
			return p
		},
		StatusCancelled: func(t *testing.T, env *testEnv) *Payment {
			p, _ := env.recordManual(5000, TypeTenantPortion)
			p, _ = env.svc.CancelPayment(ctx, p.ID, "cancel")
			return p
		},
	}

	for status, setup := range terminal {
		t.Run(string(status), func(t *testing.T) {
			env := newTestEnv(splitTerms())
			p := setup(t, env)
			if p == nil || p.Status != status {
				t.Fatalf("setup did not reach %s: %+v", status, p)
			}

			ops := map[string]func() error{
				"attach": func() error {
					_, err := env.svc.AttachReceipt(ctx, p.ID, "receipts/y", "y.pdf")
					return err
				},
				"verify": func() error {
					_, err := env.svc.VerifyPayment(ctx, p.ID, true, "")
					return err
				},
				"reject": func() error {
					_, err := env.svc.VerifyPayment(ctx, p.ID, false, "")
					return err
				},
				"cancel": func() error {
					_, err := env.svc.CancelPayment(ctx, p.ID, "late cancel")
					return err
				},
			}
			for name, op := range ops {
				if err := op(); !errors.Is(err, ErrIllegalTransition) {
					t.Errorf("%s on %s: expected ErrIllegalTransition, got %v", name, status, err)
				}
			}

			after, _ := env.repo.GetByID(ctx, p.ID)
			if after.Status != status || !after.UpdatedAt.Equal(p.UpdatedAt) {
				t.Errorf("terminal payment was modified: %+v", after)
			}
		})
	}
}

func TestConfirmGatewayOutcome_Succeeded(t *testing.T) {
	env := newTestEnv(tenantOnlyTerms())
	ctx := context.Background()

	links, err := env.svc.GenerateLinks(ctx, testPolicyID)
	if err != nil {
		t.Fatal(err)
	}

	conf := GatewayConfirmation{
		GatewayRef: GatewayRef{CheckoutSessionID: *links[0].CheckoutSessionID},
		ChargeID:   "pi_test_1",
		Outcome:    OutcomeSucceeded,
	}
	p, err := env.svc.ConfirmGatewayOutcome(ctx, conf)
	if err != nil {
		t.Fatalf("ConfirmGatewayOutcome failed: %v", err)
	}
	if p.Status != StatusCompleted || p.PaidAt == nil {
		t.Errorf("expected COMPLETED with paidAt, got %+v", p)
	}
	if p.ExternalChargeID == nil || *p.ExternalChargeID != "pi_test_1" {
		t.Errorf("expected charge id to be stored, got %v", p.ExternalChargeID)
	}

	// Redelivery is a no-op.
	again, err := env.svc.ConfirmGatewayOutcome(ctx, conf)
	if err != nil {
		t.Fatalf("redelivered confirmation failed: %v", err)
	}
	if again.Status != StatusCompleted || !again.PaidAt.Equal(*p.PaidAt) {
		t.Errorf("redelivery changed the payment: %+v", again)
	}
}

func TestConfirmGatewayOutcome_ProcessingThenFailed(t *testing.T) {
	env := newTestEnv(tenantOnlyTerms())
	ctx := context.Background()

	links, err := env.svc.GenerateLinks(ctx, testPolicyID)
	if err != nil {
		t.Fatal(err)
	}
	ref := GatewayRef{PaymentID: links[0].ID}

	p, err := env.svc.ConfirmGatewayOutcome(ctx, GatewayConfirmation{GatewayRef: ref, ChargeID: "pi_2", Outcome: OutcomeProcessing})
	if err != nil || p.Status != StatusProcessing {
		t.Fatalf("expected PROCESSING, got %v, %v", p, err)
	}

	// A cancel during processing is illegal.
	if _, err := env.svc.CancelPayment(ctx, p.ID, "too late"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}

	p, err = env.svc.ConfirmGatewayOutcome(ctx, GatewayConfirmation{GatewayRef: GatewayRef{ExternalChargeID: "pi_2"}, Outcome: OutcomeFailed})
	if err != nil || p.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %v, %v", p, err)
	}

	// The slot is free again.
	created, err := env.svc.GenerateLinks(ctx, testPolicyID)
	if err != nil || len(created) != 1 {
		t.Errorf("expected a new link after failure, got %v, %v", created, err)
	}
}

func TestConfirmGatewayOutcome_Partial(t *testing.T) {
	env := newTestEnv(tenantOnlyTerms())
	ctx := context.Background()

	links, _ := env.svc.GenerateLinks(ctx, testPolicyID)
	ref := GatewayRef{PaymentID: links[0].ID}

	p, err := env.svc.ConfirmGatewayOutcome(ctx, GatewayConfirmation{GatewayRef: ref, Outcome: OutcomePartial})
	if err != nil || p.Status != StatusPartial {
		t.Fatalf("expected PARTIAL, got %v, %v", p, err)
	}

	// PARTIAL does not auto-advance and still occupies the slot.
	if _, err := env.svc.ConfirmGatewayOutcome(ctx, GatewayConfirmation{GatewayRef: ref, Outcome: OutcomeSucceeded}); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
	if created, _ := env.svc.GenerateLinks(ctx, testPolicyID); len(created) != 0 {
		t.Error("PARTIAL payment must block a new link")
	}
}

func TestConfirmGatewayOutcome_Rejections(t *testing.T) {
	env := newTestEnv(splitTerms())
	ctx := context.Background()

	manual, _ := env.recordManual(5000, TypeTenantPortion)
	_, err := env.svc.ConfirmGatewayOutcome(ctx, GatewayConfirmation{GatewayRef: GatewayRef{PaymentID: manual.ID}, Outcome: OutcomeSucceeded})
	if !errors.Is(err, ErrNotGatewayPayment) {
		t.Errorf("expected ErrNotGatewayPayment, got %v", err)
	}

	_, err = env.svc.ConfirmGatewayOutcome(ctx, GatewayConfirmation{GatewayRef: GatewayRef{CheckoutSessionID: "cs_unknown"}, Outcome: OutcomeSucceeded})
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound, got %v", err)
	}

	_, err = env.svc.ConfirmGatewayOutcome(ctx, GatewayConfirmation{Outcome: OutcomeSucceeded})
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("empty ref: expected ErrPaymentNotFound, got %v", err)
	}
}

func TestRecordRefund(t *testing.T) {
	env := newTestEnv(tenantOnlyTerms())
	ctx := context.Background()

	links, _ := env.svc.GenerateLinks(ctx, testPolicyID)
	if _, err := env.svc.RecordRefund(ctx, GatewayRef{PaymentID: links[0].ID}); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("refund of PENDING payment: expected ErrIllegalTransition, got %v", err)
	}

	if _, err := env.svc.ConfirmGatewayOutcome(ctx, GatewayConfirmation{
		GatewayRef: GatewayRef{PaymentID: links[0].ID},
		ChargeID:   "pi_refund",
		Outcome:    OutcomeSucceeded,
	}); err != nil {
		t.Fatal(err)
	}

	p, err := env.svc.RecordRefund(ctx, GatewayRef{ExternalChargeID: "pi_refund"})
	if err != nil {
		t.Fatalf("RecordRefund failed: %v", err)
	}
	if p.Status != StatusRefunded {
		t.Errorf("expected REFUNDED, got %s", p.Status)
	}

	if _, err := env.svc.RecordRefund(ctx, GatewayRef{ExternalChargeID: "pi_refund"}); err != nil {
		t.Errorf("repeated refund should be a no-op, got %v", err)
	}
	if _, err := env.svc.VerifyPayment(ctx, p.ID, true, ""); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("REFUNDED is terminal, got %v", err)
	}
}
