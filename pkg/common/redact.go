package common

// redactKeep is how many trailing characters survive redaction. Enough to
// tell two chargers apart in logs without exposing the identifier.
const redactKeep = 4

// Redact masks an identifier for logging, keeping only the last few
// characters. Account ids, charger ids and subscription ids must never be
// logged in full.
func Redact(v string) string {
	if v == "" {
		return "<none>"
	}
	if len(v) <= redactKeep {
		return "<redacted>"
	}
	return "<redacted:" + v[len(v)-redactKeep:] + ">"
}
