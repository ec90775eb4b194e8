package eventstore

import "github.com/shaharia-lab/pulse/internal/tagindex"

// CorruptIndex injects a posting for a non-existent event into the shard that
// owns id, so the in-memory index no longer matches the log.
func CorruptIndex(s *Store, id string, tags ...string) int {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.index.Load().Index(tagindex.Entry{Seq: s.LastSequence() + 1000, ID: id, Tags: tags})
	return sh.id
}
