package publisher

// TopicSelector names the topic records of a collection are routed to
type TopicSelector interface {
	Topic(id CollectionID) string
}

// TopicSelectorFunc adapts a function to the TopicSelector interface
type TopicSelectorFunc func(id CollectionID) string

// Topic calls f
func (f TopicSelectorFunc) Topic(id CollectionID) string {
	return f(id)
}

// PrefixTopicSelector routes to "{prefix}.{db}.{collection}", or
// "{db}.{collection}" when the prefix is empty
type PrefixTopicSelector struct {
	Prefix string
}

// Topic builds the topic name for a collection
func (s PrefixTopicSelector) Topic(id CollectionID) string {
	if s.Prefix == "" {
		return id.Namespace()
	}
	return s.Prefix + "." + id.Namespace()
}
