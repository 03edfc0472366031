// Package staging implements a staged, concurrent batch pipeline for bulk
// ingestion. A Stage is an ordered chain of Steps; each step owns a bounded
// input queue and one or more worker goroutines, and forwards results to its
// single downstream step. A full queue blocks the sender, which is how
// backpressure travels from a slow step back to the producer.
//
// Batches carry a Ticket assigned by the producing first step. Steps with
// several workers may finish batches out of order; when the run requires
// ordering they reorder by ticket before forwarding.
//
// A fault in any worker panics the shared PanicMonitor: every blocked call
// unblocks with a failure, every step reaches a terminal status, and
// Stage.Execute closes all steps and reports the originating error.
//
// Key constructs:
// - ProducerStep: pulls batches from a Source and assigns tickets
// - ProcessorStep/NewSinkStep: queue + worker pool + optional reordering
// - Stage: wiring, ordering guarantee, execution, close and stats
// - PanicMonitor: pipeline-wide failure token
package staging
