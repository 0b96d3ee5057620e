package models

import "testing"

func TestPaymentStatusRankOrdering(t *testing.T) {
	order := []string{
		PaymentStatusPendingApproval,
		PaymentStatusPendingSubmit,
		PaymentStatusSubmitted,
		PaymentStatusConfirmed,
		PaymentStatusPaidOut,
	}
	for i := 1; i < len(order); i++ {
		if PaymentStatusRank(order[i-1]) >= PaymentStatusRank(order[i]) {
			t.Fatalf("%s must rank below %s", order[i-1], order[i])
		}
	}
}

func TestPaymentStatusRankTerminalStatesStick(t *testing.T) {
	for _, terminal := range []string{PaymentStatusPaidOut, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusChargedBack} {
		if PaymentStatusRank(terminal) != PaymentStatusRank(PaymentStatusPaidOut) {
			t.Fatalf("%s must rank as terminal", terminal)
		}
		if PaymentStatusRank(PaymentStatusConfirmed) >= PaymentStatusRank(terminal) {
			t.Fatalf("confirmed must rank below %s", terminal)
		}
	}
}

func TestPaymentStatusRankUnknownIsLowest(t *testing.T) {
	if PaymentStatusRank("something_new") != 0 {
		t.Fatal("unknown statuses must never displace a known one")
	}
}
