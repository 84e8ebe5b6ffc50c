package keys

import (
	"bytes"
	"fmt"
)

// ProductKey identifies a product attached to an item: a label chosen by the
// application and a stable textual identifier of the product's type.
type ProductKey struct {
	Label string
	Type  string
}

func (p ProductKey) String() string {
	return p.Label + "#" + p.Type
}

// ProductKeyBytes builds the storage key of a product: the full 40-byte item
// descriptor followed by label + "#" + type as UTF-8 bytes. Keeping the
// descriptor first groups all products of one item under a common prefix.
func ProductKeyBytes(d ItemDescriptor, pk ProductKey) []byte {
	suffix := pk.String()
	b := make([]byte, 0, DescriptorSize+len(suffix))
	b = append(b, d.Encode()...)
	b = append(b, suffix...)
	return b
}

// SplitProductKey decodes a product storage key into the owning item
// descriptor and the (label, type) pair.
func SplitProductKey(key []byte) (ItemDescriptor, ProductKey, error) {
	if len(key) <= DescriptorSize {
		return ItemDescriptor{}, ProductKey{}, fmt.Errorf("keys: product key too short (%d bytes)", len(key))
	}
	d, err := DecodeItemDescriptor(key[:DescriptorSize])
	if err != nil {
		return ItemDescriptor{}, ProductKey{}, err
	}
	suffix := key[DescriptorSize:]
	i := bytes.IndexByte(suffix, '#')
	if i < 0 {
		return ItemDescriptor{}, ProductKey{}, fmt.Errorf("keys: product key missing type separator")
	}
	return d, ProductKey{Label: string(suffix[:i]), Type: string(suffix[i+1:])}, nil
}
