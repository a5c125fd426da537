package record

// Dedup drops earlier duplicates of (_dedup_key, _dataset), keeping the last
// occurrence of each key at its original position relative to the others.
// Rows without a dedup key are always kept.
func Dedup(rows []Row) []Row {
	type key struct{ dedup, dataset string }

	last := make(map[key]int, len(rows))
	for i, r := range rows {
		k, ok := r[ColDedupKey].(string)
		if !ok {
			continue
		}
		ds, _ := r[ColDataset].(string)
		last[key{k, ds}] = i
	}

	out := make([]Row, 0, len(last))
	for i, r := range rows {
		k, ok := r[ColDedupKey].(string)
		if !ok {
			out = append(out, r)
			continue
		}
		ds, _ := r[ColDataset].(string)
		if last[key{k, ds}] == i {
			out = append(out, r)
		}
	}
	return out
}
