package taskname

const (
	// Webhook tasks
	WebhookDeliver = "webhook:deliver"

	// License tasks
	LicenseExpiryRun = "license:expiry:run"

	// Anomaly tasks
	AnomalyNotify = "anomaly:notify"

	// Audit tasks
	AuditVerifyRun = "audit:verify:run"
)
