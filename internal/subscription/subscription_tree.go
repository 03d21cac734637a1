// Package subscription keeps the broker-wide topic subscription tree.
package subscription

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
)

// Subscriber is one session subscribed to a matching filter.
type Subscriber struct {
	ClientID string
	QoS      mqtt.QoS
}

// TopicTreeNode 主题订阅树节点
type TopicTreeNode struct {
	Level string

	// 直接子节点（精确匹配）
	Children map[string]*TopicTreeNode

	// 通配符子节点
	WildcardPlus *TopicTreeNode      // "+" 通配符子节点（单层）
	WildcardHash map[string]mqtt.QoS // "#" 通配符订阅列表（多层）

	// 终端订阅者（当前路径的精确匹配订阅）
	Terminals map[string]mqtt.QoS
}

// Tree matches topic names against subscribed filters. Match results are kept
// in an expirable LRU cache that every change purges.
type Tree struct {
	mu    sync.RWMutex
	root  *TopicTreeNode
	count int
	cache *expirable.LRU[string, []Subscriber]
}

func NewTree(cacheSize int, cacheTTL time.Duration) *Tree {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &Tree{
		root:  createNode(""),
		cache: expirable.NewLRU[string, []Subscriber](cacheSize, nil, cacheTTL),
	}
}

// Subscribe adds or replaces the subscription of clientID to filter and
// reports whether one already existed.
func (t *Tree) Subscribe(clientID string, filter string, qos mqtt.QoS) (bool, error) {
	if err := ValidateFilter(filter); err != nil {
		return false, err
	}
	levels := strings.Split(filter, "/")

	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.cache.Purge()

	node := t.root
	for i, level := range levels {
		if level == "#" {
			_, existed := node.WildcardHash[clientID]
			node.WildcardHash[clientID] = qos
			t.countNew(existed)
			return existed, nil
		}
		node = getOrCreateChild(node, level)
		if i == len(levels)-1 {
			_, existed := node.Terminals[clientID]
			node.Terminals[clientID] = qos
			t.countNew(existed)
			return existed, nil
		}
	}
	return false, nil
}

func (t *Tree) countNew(existed bool) {
	if !existed {
		t.count++
	}
}

// Unsubscribe removes the subscription and prunes nodes left empty. It reports
// whether a subscription was removed.
func (t *Tree) Unsubscribe(clientID string, filter string) bool {
	if ValidateFilter(filter) != nil {
		return false
	}
	levels := strings.Split(filter, "/")

	t.mu.Lock()
	defer t.mu.Unlock()

	path := []*TopicTreeNode{t.root}
	node := t.root
	removed := false
	for i, level := range levels {
		if level == "#" {
			_, removed = node.WildcardHash[clientID]
			delete(node.WildcardHash, clientID)
			break
		}
		node = childOf(node, level)
		if node == nil {
			return false
		}
		path = append(path, node)
		if i == len(levels)-1 {
			_, removed = node.Terminals[clientID]
			delete(node.Terminals, clientID)
		}
	}
	if !removed {
		return false
	}
	t.count--
	prune(path)
	t.cache.Purge()
	return true
}

// Match returns the subscribers of topic, one entry per client carrying the
// highest QoS of its matching filters, sorted by client identifier.
func (t *Tree) Match(topic string) []Subscriber {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if cached, ok := t.cache.Get(topic); ok {
		return append([]Subscriber(nil), cached...)
	}

	// 拆分发布主题为层级数组
	levels := strings.Split(topic, "/")
	system := strings.HasPrefix(topic, "$")
	best := make(map[string]mqtt.QoS)
	collect := func(subs map[string]mqtt.QoS) {
		for clientID, qos := range subs {
			if current, ok := best[clientID]; !ok || qos > current {
				best[clientID] = qos
			}
		}
	}

	queue := []*TopicTreeNode{t.root}
	for i, level := range levels {
		wildcards := !(i == 0 && system)
		var nextQueue []*TopicTreeNode
		for _, node := range queue {
			// 1. 收集当前节点的 # 通配符订阅
			if wildcards {
				collect(node.WildcardHash)
			}
			// 2. 精确匹配子节点
			if child, ok := node.Children[level]; ok {
				nextQueue = append(nextQueue, child)
			}
			// 3. 处理 + 通配符子节点
			if wildcards && node.WildcardPlus != nil {
				nextQueue = append(nextQueue, node.WildcardPlus)
			}
		}
		queue = nextQueue
		if len(queue) == 0 {
			break
		}
	}

	// 收集终端节点的精确订阅；"a/#" 同样匹配 "a"
	for _, node := range queue {
		collect(node.Terminals)
		collect(node.WildcardHash)
	}

	result := make([]Subscriber, 0, len(best))
	for clientID, qos := range best {
		result = append(result, Subscriber{ClientID: clientID, QoS: qos})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClientID < result[j].ClientID })

	t.cache.Add(topic, result)
	return append([]Subscriber(nil), result...)
}

// Count returns the number of stored subscriptions.
func (t *Tree) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}
