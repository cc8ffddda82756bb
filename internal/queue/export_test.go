package queue

// ReapExpired runs one reaper pass synchronously.
func (q *Queue) ReapExpired() { q.reapExpired() }
