// Package schedule holds the digest schedule model and the recurrence math.
//
// Everything in this package is pure: NextOccurrence and SummaryWindow are
// deterministic functions of their inputs and perform no I/O. The scanner
// enumerates future occurrences by feeding NextOccurrence's own output
// (plus one second) back in as the cursor.
package schedule
