package social

import (
	"context"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

func planFor(name string) func(*Provider, *attempt) *uploadPlan {
	switch name {
	case "youtube":
		return youtubePlan
	case "instagram":
		return instagramPlan
	case "facebook":
		return facebookPlan
	case "threads":
		return threadsPlan
	case "tiktok":
		return tiktokPlan
	case "twitter":
		return twitterPlan
	case "bluesky":
		return blueskyPlan
	case "farcaster":
		return farcasterPlan
	}
	return nil
}

func accountsFor(name string) func(context.Context, *Provider, string, string) ([]models.Account, error) {
	switch name {
	case "instagram":
		return instagramAccounts
	case "facebook":
		return facebookAccounts
	case "threads":
		return threadsAccounts
	case "twitter":
		return twitterAccounts
	}
	return nil
}
