// Package clock abstracts time for the messaging core. System wraps the
// real clock; Fake drives virtual time in tests. Core packages never read
// the time package directly on a processing path; all timestamps, delays,
// and timeouts go through a Clock.
package clock
