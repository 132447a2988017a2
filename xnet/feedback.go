package xnet

import "fmt"

// FeedbackType is the TT field of a feedback data byte.
type FeedbackType uint8

const (
	FeedbackAccessory        FeedbackType = 0b00 // accessory decoder without feedback
	FeedbackAccessoryConfirm FeedbackType = 0b01 // accessory decoder with feedback
	FeedbackModule           FeedbackType = 0b10 // feedback (occupancy) module
	FeedbackReserved         FeedbackType = 0b11
)

func (t FeedbackType) String() string {
	switch t {
	case FeedbackAccessory:
		return "accessory"
	case FeedbackAccessoryConfirm:
		return "accessory-feedback"
	case FeedbackModule:
		return "module"
	default:
		return "reserved"
	}
}

// FeedbackItem is one accessory's status decoded from a feedback pair, or a
// whole nibble when the pair comes from a feedback module.
//
// A feedback byte ITTNZZZZ reports two adjacent accessories; each one is a
// separate item and consuming one never consumes the other.
type FeedbackItem struct {
	reply    *Reply
	index    int // position in reply.items
	address  byte
	data     byte
	slot     int
	number   int
	consumed bool
}

func decodeFeedback(r *Reply) []*FeedbackItem {
	var items []*FeedbackItem

	for i := 1; i+1 < len(r.elements); i += 2 {
		addr, data := r.elements[i], r.elements[i+1]
		typ := FeedbackType((data >> 5) & 0x03)
		nibble := int((data >> 4) & 0x01)

		switch typ {
		case FeedbackAccessory, FeedbackAccessoryConfirm:
			for slot := range 2 {
				items = append(items, &FeedbackItem{
					reply:   r,
					index:   len(items),
					address: addr,
					data:    data,
					slot:    slot,
					number:  AccessoryFromFeedback(int(addr), nibble, slot),
				})
			}
		case FeedbackModule:
			items = append(items, &FeedbackItem{
				reply:   r,
				index:   len(items),
				address: addr,
				data:    data,
				// first contact of the nibble, numbered from 1
				number: int(addr)*8 + nibble*4 + 1,
			})
		}
	}

	return items
}

// Type returns the TT field.
func (it *FeedbackItem) Type() FeedbackType {
	return FeedbackType((it.data >> 5) & 0x03)
}

// IsAccessory reports whether the item describes an accessory decoder output.
func (it *FeedbackItem) IsAccessory() bool {
	t := it.Type()
	return t == FeedbackAccessory || t == FeedbackAccessoryConfirm
}

// IsModule reports whether the item comes from a feedback module.
func (it *FeedbackItem) IsModule() bool {
	return it.Type() == FeedbackModule
}

// AccessoryNumber returns the accessory number, or for a module item the
// first contact of its nibble.
func (it *FeedbackItem) AccessoryNumber() int { return it.number }

// Address returns the feedback address (group) byte.
func (it *FeedbackItem) Address() int { return int(it.address) }

// Nibble returns the N bit.
func (it *FeedbackItem) Nibble() int { return int((it.data >> 4) & 0x01) }

// IsMotionComplete reports whether the I bit is clear.
func (it *FeedbackItem) IsMotionComplete() bool { return it.data&0x80 == 0 }

// State returns the item's two-bit accessory state. Module items report
// StateUnknown.
func (it *FeedbackItem) State() AccessoryState {
	if !it.IsAccessory() {
		return StateUnknown
	}

	return AccessoryState((it.data >> (2 * it.slot)) & 0x03)
}

// ContactBits returns the four input bits of a module item.
func (it *FeedbackItem) ContactBits() uint8 { return it.data & 0x0F }

// Consume marks the item as accounted for.
func (it *FeedbackItem) Consume() { it.consumed = true }

// IsConsumed reports whether the item has been consumed.
func (it *FeedbackItem) IsConsumed() bool { return it.consumed }

// PairedItem returns the item of the other accessory in the same nibble, or
// nil for module items.
func (it *FeedbackItem) PairedItem() *FeedbackItem {
	if !it.IsAccessory() {
		return nil
	}

	other := it.index + 1
	if it.slot == 1 {
		other = it.index - 1
	}
	if other < 0 || other >= len(it.reply.items) {
		return nil
	}

	return it.reply.items[other]
}

// Reply returns the reply the item was decoded from.
func (it *FeedbackItem) Reply() *Reply { return it.reply }

func (it *FeedbackItem) String() string {
	if it.IsAccessory() {
		return fmt.Sprintf("accessory %d %s", it.number, it.State())
	}

	return fmt.Sprintf("module %d bits %04b", it.number, it.ContactBits())
}
