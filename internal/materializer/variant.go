package materializer

import "hash/fnv"

// SelectVariant decides whether a recipient buckets into test's variant
// template, replacing the control template when they do. A nil test (no
// active A/B experiment for this template) always keeps the control.
func SelectVariant(control Template, test *ABTest, userID, sessionID string) Template {
	if test == nil || !test.Active {
		return control
	}
	if abTestBucket(userID, sessionID, test.ID) < test.TrafficSplit {
		return test.VariantTemplate
	}
	return control
}

// abTestBucket maps a recipient key and test id to a stable value in
// [0, 100), so a given user always lands in the same bucket for the life
// of the test. Falls back to session id, then an unkeyed bucket, when no
// user id is known.
func abTestBucket(userID, sessionID, testID string) int {
	key := userID
	if key == "" {
		key = sessionID
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(key + ":" + testID))
	return int(h.Sum32() % 100)
}
