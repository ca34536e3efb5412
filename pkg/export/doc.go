// Package export provides occupancy history backup and restore.
//
// # Formats
//
// JSON exports carry a metadata header followed by the history records in
// their stored form. They can be imported back, into the same instance or
// another one.
//
// CSV exports flatten each record into one row with a fixed column set
// (see CSVHeader). Optional telemetry (signal, SNR, gateway, battery) is
// written as an empty cell when absent. CSV is export-only.
//
// # HTTP API
//
// Export endpoint: GET /v1/export
// Query parameters:
//   - format: "json" or "csv" (default: json)
//   - start, end: unix seconds or RFC3339 (default: the last 24 hours)
//   - device: device id filter (optional)
//
// Example:
//
//	curl "http://localhost:8080/v1/export?format=csv&device=strathmore-sensor1" \
//	  -o strathmore.csv
//
// Import endpoint: POST /v1/import
// Content-Type: application/json
//
//	curl -X POST "http://localhost:8080/v1/import" \
//	  -H "Content-Type: application/json" \
//	  -d @backup.json
//
// # Import semantics
//
// Records are appended through the same deduplicating write the ingest path
// uses, so importing a file twice is harmless: the second run reports every
// record as a duplicate. Records that fail validation (bad id, empty device,
// negative counts, timestamps more than ten years old or a day in the
// future) are skipped and listed in ImportResult.Errors.
//
// Every (device, date) that gained records is returned in ImportResult.Days.
// The HTTP handler rebuilds those daily aggregates from history after the
// import so analytics stay consistent with the restored log.
//
// # Limits
//
//   - Maximum export time range: 30 days
//   - Default export window: 24 hours
//   - Maximum records per import: 100,000
package export
