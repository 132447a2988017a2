package engine

import (
	"github.com/arloliu/go-xnet/logger"
	"github.com/arloliu/go-xnet/xnet"
)

// FeedbackBroadcastHandler records accessory states reported by feedback that
// no command consumed. A state reported this way was changed on the layout, so
// it becomes both the known and the expected state.
type FeedbackBroadcastHandler struct {
	store  AccessoryStateStore
	logger logger.Logger
}

// NewFeedbackBroadcastHandler creates a passive handler updating store.
func NewFeedbackBroadcastHandler(store AccessoryStateStore, l logger.Logger) *FeedbackBroadcastHandler {
	return &FeedbackBroadcastHandler{store: store, logger: l}
}

// Handle applies every unconsumed accessory item of reply. Module items are
// left to listeners.
func (h *FeedbackBroadcastHandler) Handle(reply *xnet.Reply) {
	for _, item := range reply.FeedbackItems() {
		if item.IsConsumed() || !item.IsAccessory() {
			continue
		}

		state := item.State()
		if !state.IsDefined() {
			continue
		}

		n := item.AccessoryNumber()
		if h.store.AccessoryState(n) != state {
			h.logger.Debug("engine: accessory state reported", "accessory", n, "state", state)
		}
		h.store.UpdateAccessoryState(n, state)
		h.store.ExpectAccessoryState(n, state)
	}
}
