package utils

import (
	"sort"

	ld "gopkg.in/launchdarkly/go-server-sdk.v4"
)

// StoreCollection is a list of data store items for a single data kind, used by
// TransformUnorderedDataToOrderedData.
type StoreCollection struct {
	Kind  ld.VersionedDataKind
	Items []ld.VersionedData
}

// TransformUnorderedDataToOrderedData sorts a full data set as received from LaunchDarkly
// into an order that is safe for a database store to write non-atomically: segments are
// written before the flags that reference them, and each flag is written after any flags
// it uses as prerequisites. Custom store implementations that cannot update the whole data
// set in a single transaction should use this to avoid having a momentarily inconsistent
// state during Init.
func TransformUnorderedDataToOrderedData(allData map[ld.VersionedDataKind]map[string]ld.VersionedData) []StoreCollection {
	colls := make([]StoreCollection, 0, len(allData))
	for kind, itemsMap := range allData {
		items := make([]ld.VersionedData, 0, len(itemsMap))
		if doesDataKindSupportDependencies(kind) {
			addItemsInDependencyOrder(itemsMap, &items)
		} else {
			for _, item := range itemsMap {
				items = append(items, item)
			}
		}
		colls = append(colls, StoreCollection{Kind: kind, Items: items})
	}
	sort.Slice(colls, func(i, j int) bool {
		return dataKindPriority(colls[i].Kind) < dataKindPriority(colls[j].Kind)
	})
	return colls
}

func doesDataKindSupportDependencies(kind ld.VersionedDataKind) bool {
	return kind == ld.Features
}

func addItemsInDependencyOrder(itemsMap map[string]ld.VersionedData, out *[]ld.VersionedData) {
	remainingItems := make(map[string]ld.VersionedData, len(itemsMap))
	for key, item := range itemsMap { // copy the map because we'll be consuming it
		remainingItems[key] = item
	}
	for len(remainingItems) > 0 {
		// pick a random item that hasn't been visited yet
		for _, item := range remainingItems {
			addWithDependenciesFirst(item, remainingItems, out)
			break
		}
	}
}

func addWithDependenciesFirst(startItem ld.VersionedData, remainingItems map[string]ld.VersionedData, out *[]ld.VersionedData) {
	delete(remainingItems, startItem.GetKey()) // we won't need to visit this item again
	for _, prereqKey := range getDependencyKeys(startItem) {
		prereqItem := remainingItems[prereqKey]
		if prereqItem != nil {
			addWithDependenciesFirst(prereqItem, remainingItems, out)
		}
	}
	*out = append(*out, startItem)
}

func getDependencyKeys(item ld.VersionedData) []string {
	var ret []string
	if flag, ok := item.(*ld.FeatureFlag); ok {
		for _, p := range flag.Prerequisites {
			ret = append(ret, p.Key)
		}
	}
	return ret
}

// Logic for ensuring that segments are processed before features; if we get any other data types that
// haven't been accounted for here, they'll come after those two in an arbitrary order.
func dataKindPriority(kind ld.VersionedDataKind) int {
	switch kind {
	case ld.Segments:
		return 0
	case ld.Features:
		return 1
	default:
		return len(kind.GetNamespace()) + 2
	}
}
