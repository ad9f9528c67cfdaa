package job

import "context"

// QservNotifier tells the Qserv czar that a chunk's replica set changed.
// The core scopes out talking to a real Qserv czar (spec.md §1 excludes
// query execution and the SQL dialect), so the only implementation shipped
// here is a no-op; a real deployment supplies its own over this interface.
type QservNotifier interface {
	NotifyAddChunk(ctx context.Context, family string, chunk uint32, worker string) error
	NotifyRemoveChunk(ctx context.Context, family string, chunk uint32, worker string, force bool) error
}

// NoopQservNotifier discards every notification; it is the default when
// Deps.QservNotifier is left nil.
type NoopQservNotifier struct{}

func (NoopQservNotifier) NotifyAddChunk(context.Context, string, uint32, string) error { return nil }
func (NoopQservNotifier) NotifyRemoveChunk(context.Context, string, uint32, string, bool) error {
	return nil
}

func (d Deps) notifier() QservNotifier {
	if d.QservNotifier != nil {
		return d.QservNotifier
	}
	return NoopQservNotifier{}
}
