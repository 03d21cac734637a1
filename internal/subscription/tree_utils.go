package subscription

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
)

var (
	ErrInvalidFilter = errors.New("invalid topic filter")
	ErrInvalidTopic  = errors.New("invalid topic name")
)

func createNode(level string) *TopicTreeNode {
	return &TopicTreeNode{
		Level:        level,
		Children:     map[string]*TopicTreeNode{},
		WildcardHash: map[string]mqtt.QoS{},
		Terminals:    map[string]mqtt.QoS{},
	}
}

func childOf(node *TopicTreeNode, level string) *TopicTreeNode {
	if level == "+" {
		return node.WildcardPlus
	}
	return node.Children[level]
}

func getOrCreateChild(node *TopicTreeNode, level string) *TopicTreeNode {
	if child := childOf(node, level); child != nil {
		return child
	}
	child := createNode(level)
	if level == "+" {
		node.WildcardPlus = child
	} else {
		node.Children[level] = child
	}
	return child
}

func (n *TopicTreeNode) empty() bool {
	return len(n.Children) == 0 && n.WildcardPlus == nil && len(n.WildcardHash) == 0 && len(n.Terminals) == 0
}

// prune detaches empty nodes walking from the leaf of path towards the root.
func prune(path []*TopicTreeNode) {
	for i := len(path) - 1; i > 0; i-- {
		node, parent := path[i], path[i-1]
		if !node.empty() {
			return
		}
		if parent.WildcardPlus == node {
			parent.WildcardPlus = nil
		} else {
			delete(parent.Children, node.Level)
		}
	}
}

// ValidateFilter checks wildcard placement: "+" must fill a whole level and
// "#" must be the whole last level.
func ValidateFilter(filter string) error {
	if filter == "" || !utf8.ValidString(filter) || strings.ContainsRune(filter, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidFilter, filter)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: '#' must be the last level, topic: %s", ErrInvalidFilter, filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: '+' must occupy a whole level, topic: %s", ErrInvalidFilter, filter)
		}
	}
	return nil
}

// ValidateTopic checks a topic name used in PUBLISH.
func ValidateTopic(topic string) error {
	if topic == "" || !utf8.ValidString(topic) || strings.ContainsAny(topic, "+#\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

// MatchFilter reports whether topic matches filter. Wildcards at the first
// level do not match topics starting with '$'.
func MatchFilter(filter string, topic string) bool {
	if ValidateFilter(filter) != nil || ValidateTopic(topic) != nil {
		return false
	}
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")
	if strings.HasPrefix(topic, "$") && (filterLevels[0] == "+" || filterLevels[0] == "#") {
		return false
	}

	for i, level := range filterLevels {
		if level == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != "+" && level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
