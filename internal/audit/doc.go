// Package audit persists security events.
//
// Components log bond verification failures, authorization decisions and
// permission changes through an audit *slog.Logger. NewLogger fans each
// record out to the process log and to the audit_log table, so failure detail
// is kept for operators without being returned to callers.
package audit
