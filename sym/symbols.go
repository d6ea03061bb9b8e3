// Package sym defines the glyphs pawnx prints in CLI output and attaches to
// structured log lines. They are stable across CLI, logs and docs.
package sym

// Operator glyphs.
const (
	AM     = "≡" // am: configuration and system settings
	Mint   = "⊕" // minting fractional units
	Settle = "⇋" // repayment and buyback settlement
	Buy    = "⊞" // investor token purchase
	Price  = "◈" // external reference price
	Scan   = "⌕" // daily discovery of due tokens
)

// System infrastructure glyphs.
const (
	Pulse      = "꩜" // async jobs, queues, retry
	PulseOpen  = "✿" // graceful startup with orphaned job recovery
	PulseClose = "❀" // graceful shutdown with in-flight drain
	DB         = "⊔" // database/storage layer
)

// QueueSymbol returns the glyph used for a named queue in logs and CLI
// tables. Unknown queues get the generic Pulse glyph.
func QueueSymbol(queue string) string {
	switch queue {
	case "repayment":
		return Settle
	case "token-mint":
		return Mint
	case "token-purchase":
		return Buy
	case "gold-price":
		return Price
	case "scheduler":
		return Scan
	default:
		return Pulse
	}
}
