package store

import (
	"reflect"
	"sort"

	"github.com/openhep/hepstore/keys"
)

// Products are opaque byte buffers attached to an item (or a dataset) under
// a (label, type) key. Serialization of user types is the caller's
// business; TypeNameOf derives a stable textual tag for the common case of
// tagging by Go type.

// TypeNameOf returns a stable textual identifier for the dynamic type of v,
// suitable as the type component of a product key.
func TypeNameOf(v interface{}) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "<nil>"
	}
	return t.String()
}

// storeProductVia validates the key and forwards to the writer.
func storeProductVia(w Writer, desc keys.ItemDescriptor, label, typeName string, data []byte) error {
	return w.storeProduct(desc, keys.ProductKey{Label: label, Type: typeName}, data)
}

// loadProductVia reads through the given source; absence is reported by the
// boolean, not an error.
func loadProductVia(src ProductSource, desc keys.ItemDescriptor, label, typeName string) ([]byte, bool, error) {
	return src.LoadProduct(desc, keys.ProductKey{Label: label, Type: typeName})
}

// listProducts merges the product keys attached to one item from every
// product shard: products are routed by their full key, so one item's
// products may live anywhere.
func (ds *DataStore) listProducts(desc keys.ItemDescriptor) ([]keys.ProductKey, error) {
	prefix := desc.Encode()
	var out []keys.ProductKey
	for index := range ds.shards[catProducts] {
		start := prefix
		for {
			raw, err := ds.listKeys(catProducts, index, start, prefix, 64)
			if err != nil {
				return nil, err
			}
			for _, k := range raw {
				_, pk, err := keys.SplitProductKey(k)
				if err != nil {
					return nil, err
				}
				out = append(out, pk)
			}
			if len(raw) < 64 {
				break
			}
			start = raw[len(raw)-1]
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// productLength probes the stored size of a product without fetching it.
func (ds *DataStore) productLength(desc keys.ItemDescriptor, pk keys.ProductKey) (int, bool, error) {
	key := keys.ProductKeyBytes(desc, pk)
	n, err := ds.length(catProducts, ds.route(catProducts, key), key)
	if err != nil {
		if isNotFound(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return n, true, nil
}

// ---------------------------------------------------------------------------
// Handle-level product APIs. Every level can carry products; the dataset
// variant keys them by the dataset-level descriptor.

// StoreProduct attaches a product to this dataset.
func (d DataSet) StoreProduct(label, typeName string, data []byte) error {
	return storeProductVia(d.ds, d.descriptor(), label, typeName, data)
}

// StoreProductInto attaches a product to this dataset through a writer.
func (d DataSet) StoreProductInto(w Writer, label, typeName string, data []byte) error {
	return storeProductVia(w, d.descriptor(), label, typeName, data)
}

// LoadProduct reads a product attached to this dataset.
func (d DataSet) LoadProduct(label, typeName string) ([]byte, bool, error) {
	return loadProductVia(d.ds, d.descriptor(), label, typeName)
}

// ListProducts lists the product keys attached to this dataset.
func (d DataSet) ListProducts() ([]keys.ProductKey, error) {
	return d.ds.listProducts(d.descriptor())
}

// StoreProduct attaches a product to this run.
func (r Run) StoreProduct(label, typeName string, data []byte) error {
	return storeProductVia(r.ds, r.desc, label, typeName, data)
}

// StoreProductInto attaches a product to this run through a writer.
func (r Run) StoreProductInto(w Writer, label, typeName string, data []byte) error {
	return storeProductVia(w, r.desc, label, typeName, data)
}

// LoadProduct reads a product attached to this run.
func (r Run) LoadProduct(label, typeName string) ([]byte, bool, error) {
	return loadProductVia(r.ds, r.desc, label, typeName)
}

// ListProducts lists the product keys attached to this run.
func (r Run) ListProducts() ([]keys.ProductKey, error) {
	return r.ds.listProducts(r.desc)
}

// StoreProduct attaches a product to this subrun.
func (s SubRun) StoreProduct(label, typeName string, data []byte) error {
	return storeProductVia(s.ds, s.desc, label, typeName, data)
}

// StoreProductInto attaches a product to this subrun through a writer.
func (s SubRun) StoreProductInto(w Writer, label, typeName string, data []byte) error {
	return storeProductVia(w, s.desc, label, typeName, data)
}

// LoadProduct reads a product attached to this subrun.
func (s SubRun) LoadProduct(label, typeName string) ([]byte, bool, error) {
	return loadProductVia(s.ds, s.desc, label, typeName)
}

// ListProducts lists the product keys attached to this subrun.
func (s SubRun) ListProducts() ([]keys.ProductKey, error) {
	return s.ds.listProducts(s.desc)
}

// StoreProduct attaches a product to this event.
func (e Event) StoreProduct(label, typeName string, data []byte) error {
	return storeProductVia(e.ds, e.desc, label, typeName, data)
}

// StoreProductInto attaches a product to this event through a writer.
func (e Event) StoreProductInto(w Writer, label, typeName string, data []byte) error {
	return storeProductVia(w, e.desc, label, typeName, data)
}

// LoadProduct reads a product attached to this event.
func (e Event) LoadProduct(label, typeName string) ([]byte, bool, error) {
	return loadProductVia(e.ds, e.desc, label, typeName)
}

// LoadProductFrom reads a product attached to this event through an
// explicit source: a prefetcher or a product cache.
func (e Event) LoadProductFrom(src ProductSource, label, typeName string) ([]byte, bool, error) {
	return loadProductVia(src, e.desc, label, typeName)
}

// ProductLength probes the stored size of an event product.
func (e Event) ProductLength(label, typeName string) (int, bool, error) {
	return e.ds.productLength(e.desc, keys.ProductKey{Label: label, Type: typeName})
}

// ListProducts lists the product keys attached to this event.
func (e Event) ListProducts() ([]keys.ProductKey, error) {
	return e.ds.listProducts(e.desc)
}
