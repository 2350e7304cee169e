// Package archive mirrors closed hour partitions to S3-compatible
// object storage. The live hour is never uploaded; a partition becomes
// eligible once its hour has ended, so every file in it is final.
package archive
