package settings

type defaultSetting struct {
	Key         string
	Value       string
	Category    Category
	Description string
}

// Amounts are in minor units, durations in seconds.
var defaults = []defaultSetting{
	// Deposits
	{"deposit.min_amount", "10000", CategoryDeposit, "Minimum deposit amount in minor units"},
	{"deposit.confirmations", "6", CategoryDeposit, "Block confirmations required before crediting a deposit"},
	{"deposit.address_ttl", "86400", CategoryDeposit, "Deposit address lifetime in seconds (24 hours)"},
	{"deposit.enabled_tokens", `["BTC","ETH","USDT"]`, CategoryDeposit, "Token symbols accepted for deposit"},

	// Withdrawals
	{"withdrawal.mode", "manual", CategoryWithdrawal, "Withdrawal processing mode (auto, manual, disabled)"},
	{"withdrawal.daily_limit", "100000000", CategoryWithdrawal, "Maximum withdrawn per user per day in minor units"},
	{"withdrawal.review_threshold", "5000000", CategoryWithdrawal, "Withdrawals above this amount require manual review"},
	{"withdrawal.fee_percentage", "1", CategoryWithdrawal, "Fee charged on each withdrawal, in percent"},
	{"withdrawal.cooldown", "300", CategoryWithdrawal, "Seconds between withdrawals for the same user"},
	{"withdrawal.hot_wallet_tokens", `[]`, CategoryWithdrawal, "Token contract identifiers served from the hot wallet"},

	// Security
	{"security.session_timeout", "3600", CategorySecurity, "Admin session timeout in seconds (1 hour)"},
	{"security.require_2fa_withdrawal", "true", CategorySecurity, "Require a second factor for every withdrawal"},
	{"security.ip_allowlist", "", CategorySecurity, "Admin IP allowlist, one CIDR per line"},

	// Notifications
	{"notification.webhook_url", "", CategoryNotification, "Endpoint notified on platform events, including settings changes"},
	{"notification.webhook_secret", "", CategoryNotification, "Shared secret used to sign webhook payloads"},
	{"notification.low_balance_alert", "1000000", CategoryNotification, "Hot wallet balance alert level in minor units"},

	// System
	{"system.maintenance_mode", "false", CategorySystem, "Reject new deposits and withdrawals"},
	{"system.maintenance_message", "", CategorySystem, "Message shown to users during maintenance"},
}
