package app

import (
	"fmt"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/shopspring/decimal"
)

// formatAmount renders minor units as e.g. "PHP 1234.50".
func formatAmount(minor int64, currency string) string {
	return fmt.Sprintf("%s %s", currency, decimal.New(minor, -2).StringFixed(2))
}

func decisionRequiredMessage(total int64, count int, deadline time.Time, currency string) (string, string) {
	title := "Action needed: milestone refund decision"
	stakes := "a donation"
	if count > 1 {
		stakes = fmt.Sprintf("%d donations", count)
	}
	message := fmt.Sprintf(
		"A milestone you supported through %s was rejected. Choose what happens to your %s by %s: refund it, redirect it to another campaign, or donate it to the platform.",
		stakes,
		formatAmount(total, currency),
		deadline.Format("January 2, 2006"),
	)
	return title, message
}

func decisionConfirmedMessage(decision *domain.DonorRefundDecision, currency string) (string, string) {
	amount := formatAmount(decision.RefundAmount, currency)
	switch decision.DecisionType {
	case domain.DecisionRefund:
		return "Refund decision recorded", fmt.Sprintf("We are refunding %s to your original payment method.", amount)
	case domain.DecisionRedirectCampaign:
		return "Redirect decision recorded", fmt.Sprintf("We are moving %s to the campaign you selected.", amount)
	case domain.DecisionDonatePlatform:
		if converted, _ := decision.Metadata["autoConverted"].(bool); converted {
			return "Decision recorded", fmt.Sprintf("Refunds below the minimum amount are donated to the platform. Your %s will support ClearCause.", amount)
		}
		return "Decision recorded", fmt.Sprintf("Thank you. Your %s will support ClearCause.", amount)
	default:
		return "Decision recorded", fmt.Sprintf("Your decision for %s was recorded.", amount)
	}
}

func settlementMessage(decision *domain.DonorRefundDecision, campaign *domain.Campaign, currency string) (kind, title, message string) {
	amount := formatAmount(decision.RefundAmount, currency)
	switch decision.DecisionType {
	case domain.DecisionRefund:
		return domain.NotificationRefundCompleted, "Refund completed",
			fmt.Sprintf("%s has been refunded to your original payment method.", amount)
	case domain.DecisionRedirectCampaign:
		target := "your selected campaign"
		if campaign != nil && campaign.Title != "" {
			target = campaign.Title
		}
		return domain.NotificationRedirectCompleted, "Donation redirected",
			fmt.Sprintf("%s has been donated to %s.", amount, target)
	default:
		return domain.NotificationPlatformDonation, "Thank you for supporting ClearCause",
			fmt.Sprintf("Your %s has been donated to the platform.", amount)
	}
}

func settlementFailedMessage(decision *domain.DonorRefundDecision, currency string) (string, string) {
	return "We could not complete your refund",
		fmt.Sprintf("Processing %s did not complete. Our team has been notified and will follow up.", formatAmount(decision.RefundAmount, currency))
}
