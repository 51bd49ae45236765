package scheduler

import "fmt"

// BucketNotFoundError is returned by Submit when the named bucket was
// never registered. The failed call performs no mutation.
type BucketNotFoundError struct {
	Bucket string
}

func (e *BucketNotFoundError) Error() string {
	return fmt.Sprintf("task bucket %q is not registered", e.Bucket)
}
