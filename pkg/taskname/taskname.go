package taskname

const (
	// Rank tasks
	RankPromote = "rank:promote"

	// Milestone tasks
	MilestoneCustomerCheck = "milestone:customer:check"

	// Subscription tasks
	SubscriptionRenew = "subscription:renew"

	// Storefront tasks
	StorefrontOrderNote = "storefront:order_note"
)
