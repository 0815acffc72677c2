// Package logging builds the gateway's log/slog logger.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Every entry carries service and version. Attributes keyed master_key,
// token, jwt_secret and similar are replaced with [REDACTED] before they
// are written, so derived device keys and relay tokens can be passed to the
// logger without leaking.
package logging
