// Package repack implements the repackaging worker. A Worker acquires the
// input artifact (download, local file or marketplace reference), runs the
// external repackaging script with bounded retries while translating its
// output into progress updates, and relocates the produced artifact to
// durable output storage. Every phase change is reported through the task
// tracker, and every failure path ends in a Failed record.
package repack
