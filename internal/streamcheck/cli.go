package streamcheck

import "os"

// ShowHelp prints usage information for the stream-check tool.
func ShowHelp() {
	os.Stdout.WriteString(`IUU Alert Stream Check
======================

Connects to a running service's /ws alert stream and verifies that alert ids
arrive strictly increasing. Optionally confirms that every streamed alert is
also returned by GET /alerts.

Usage:
  go run ./cmd/stream-check [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:8080")
  -duration duration
        How long to watch the stream (default 2m)
  -count int
        Stop after this many alerts; 0 watches for the full duration
  -timeout duration
        HTTP and dial timeout (default 10s)
  -limit int
        Page size for the REST cross-check (default 500)
  -cross-check
        Compare streamed ids with GET /alerts (default true)
  -trigger
        Start a cycle with POST /cycles before watching
  -verbose
        Log every received alert
  -help
        Show this help message

Exit status is 1 when a check fails.
`)
}
