// Package dataaccess implements the organization service handed to plugins.
//
// A Service is created per invocation and wired to that invocation's resolved
// execmode.Policy:
//
//   - Offline: reads and writes use the overlay only; only WhoAmI is answered.
//   - Hybrid: reads merge overlay records over live reads; writes stay local.
//   - Online: reads are live; writes land remotely only when the write mode is
//     Live, the runner allows live writes and the write guard agrees.
//
// The package also converts wire JSON to native values (Coercer).
package dataaccess
