// Package track records trial parameters and results on disk and reads them
// back for analysis.
//
// An experiment directory holds one directory per trial:
//
//	<dir>/trials/<trial_id>/params.json
//	<dir>/trials/<trial_id>/results.jsonl
//	<dir>/trials/<trial_id>/debug.log
//
// A Session writes a single trial and optionally pushes it to a Mirror when
// closed. A Project is the set of trials read back from a directory.
package track
