// Package s3 mirrors experiment directories to an S3-compatible bucket.
//
// A remote s3://bucket/prefix maps trial files to object keys below prefix.
// The endpoint and credentials are read from S3_ENDPOINT, AWS_ACCESS_KEY_ID,
// AWS_SECRET_ACCESS_KEY, AWS_SESSION_TOKEN and AWS_REGION.
package s3
