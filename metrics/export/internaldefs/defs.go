package internaldefs

import (
	"github.com/ashmerge/credflow"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   credflow.MetricID
	Name string
	Help string
}

// CounterDefs fixes the export order; map iteration over the snapshot
// would make exporter output non-deterministic.
var CounterDefs = []CounterDef{
	{ID: credflow.MetricLoginSuccess, Name: "credflow_login_success_total", Help: "Successful session logins."},
	{ID: credflow.MetricLoginFailure, Name: "credflow_login_failure_total", Help: "Failed session logins."},
	{ID: credflow.MetricRefreshSuccess, Name: "credflow_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: credflow.MetricRefreshFailure, Name: "credflow_refresh_failure_total", Help: "Failed refresh attempts."},
	{ID: credflow.MetricRefreshReuseDetected, Name: "credflow_refresh_reuse_detected_total", Help: "Detected refresh token reuses."},
	{ID: credflow.MetricSessionCreated, Name: "credflow_session_created_total", Help: "Created sessions."},
	{ID: credflow.MetricSessionRevoked, Name: "credflow_session_revoked_total", Help: "Revoked sessions."},
	{ID: credflow.MetricLogout, Name: "credflow_logout_total", Help: "Single-session logout operations."},
	{ID: credflow.MetricLogoutAll, Name: "credflow_logout_all_total", Help: "Logout-all operations."},
	{ID: credflow.MetricValidateSuccess, Name: "credflow_validate_success_total", Help: "Successful access token validations."},
	{ID: credflow.MetricValidateFailure, Name: "credflow_validate_failure_total", Help: "Failed access token validations."},
	{ID: credflow.MetricVerificationIssued, Name: "credflow_verification_issued_total", Help: "Issued verification codes."},
	{ID: credflow.MetricVerificationConsumed, Name: "credflow_verification_consumed_total", Help: "Consumed verification codes."},
	{ID: credflow.MetricVerificationFailure, Name: "credflow_verification_failure_total", Help: "Failed verification attempts."},
	{ID: credflow.MetricResetRequested, Name: "credflow_reset_requested_total", Help: "Password reset requests."},
	{ID: credflow.MetricResetConfirmed, Name: "credflow_reset_confirmed_total", Help: "Confirmed password resets."},
	{ID: credflow.MetricResetFailure, Name: "credflow_reset_failure_total", Help: "Failed password reset confirmations."},
	{ID: credflow.MetricDispatchFailure, Name: "credflow_dispatch_failure_total", Help: "Failed code deliveries."},
	{ID: credflow.MetricRateLimitHit, Name: "credflow_rate_limit_hit_total", Help: "Rate-limit checks that denied requests."},
}

// AuditDroppedName is the exported name for the dispatcher's dropped
// audit event counter, which lives outside the snapshot.
const AuditDroppedName = "credflow_audit_dropped_total"

// AuditDroppedHelp describes [AuditDroppedName].
const AuditDroppedHelp = "Dropped audit events due to dispatcher backpressure."
