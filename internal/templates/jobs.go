package templates

const (
	minJobIDLength = 8
	jobIDStep      = 4
)

// jobs assigns miner-facing ids derived from template hashes. An id is the
// shortest hash prefix (8, 12, 16... chars) not already live in the window,
// so the same window state always yields the same id. Not safe for
// concurrent use; Cache serializes access.
type jobs struct {
	hashes map[string]string // id -> hash
	order  []string          // ids, oldest first
}

func newJobs() *jobs {
	return &jobs{hashes: make(map[string]string)}
}

func (j *jobs) deriveID(hash string) string {
	id := hash
	for n := minJobIDLength; n < len(hash); n += jobIDStep {
		if _, taken := j.hashes[hash[:n]]; !taken {
			id = hash[:n]
			break
		}
	}

	j.hashes[id] = hash
	j.order = append(j.order, id)
	return id
}

func (j *jobs) getHash(id string) (string, bool) {
	hash, ok := j.hashes[id]
	return hash, ok
}

// expireNext drops the oldest id.
func (j *jobs) expireNext() {
	if len(j.order) == 0 {
		return
	}
	delete(j.hashes, j.order[0])
	j.order[0] = ""
	j.order = j.order[1:]
}

func (j *jobs) len() int {
	return len(j.hashes)
}
