package record

// blacklistWorthy is the closed set of command intents whose failure leaves
// the owning process instance in a state that cannot be retried. A command
// with one of these intents that fails during processing causes the instance
// to be blacklisted.
var blacklistWorthy = map[Intent]struct{}{
	IntentActivateElement:  {},
	IntentCompleteElement:  {},
	IntentTerminateElement: {},
}

// ShouldBlacklist reports whether a processing failure for the given intent
// must blacklist the owning process instance.
func ShouldBlacklist(intent Intent) bool {
	_, ok := blacklistWorthy[intent]
	return ok
}
