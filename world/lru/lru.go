// Package lru 提供按字节数限制容量的 LRU 缓存，不是并发安全的。
package lru

import "container/list"

// Value 是缓存值必须实现的接口
type Value interface {
	Len() int // 值占用的字节数
}

// Cache 是一个 LRU 缓存，总字节数超过 maxBytes 时淘汰最久未使用的项
type Cache[K comparable, V Value] struct {
	maxBytes  int64 // 0 表示不限制
	nbytes    int64 // 当前所有值的总字节数
	ll        *list.List
	cache     map[K]*list.Element
	OnEvicted func(key K, value V) // 可选，项目被淘汰时调用
}

type entry[K comparable, V Value] struct {
	key   K
	value V
}

func New[K comparable, V Value](maxBytes int64, onEvicted func(K, V)) *Cache[K, V] {
	return &Cache[K, V]{
		maxBytes:  maxBytes,
		ll:        list.New(),
		cache:     make(map[K]*list.Element),
		OnEvicted: onEvicted,
	}
}

// Get 查找键，命中时把项目移到链表头部
func (c *Cache[K, V]) Get(key K) (value V, ok bool) {
	if ele, exists := c.cache[key]; exists {
		c.ll.MoveToFront(ele)
		return ele.Value.(*entry[K, V]).value, true
	}
	return
}

// Contains 查找键但不改变使用顺序
func (c *Cache[K, V]) Contains(key K) bool {
	_, ok := c.cache[key]
	return ok
}

// Add 添加或更新键值对，之后按需淘汰
func (c *Cache[K, V]) Add(key K, value V) {
	if ele, exists := c.cache[key]; exists {
		c.ll.MoveToFront(ele)
		kv := ele.Value.(*entry[K, V])
		c.nbytes += int64(value.Len()) - int64(kv.value.Len())
		kv.value = value
	} else {
		c.cache[key] = c.ll.PushFront(&entry[K, V]{key, value})
		c.nbytes += int64(value.Len())
	}
	for c.maxBytes != 0 && c.nbytes > c.maxBytes && c.ll.Len() > 1 { // 至少保留刚加入的项
		c.RemoveOldest()
	}
}

// Remove 删除键，返回是否存在
func (c *Cache[K, V]) Remove(key K) bool {
	ele, ok := c.cache[key]
	if ok {
		c.removeElement(ele)
	}
	return ok
}

// RemoveOldest 淘汰链表尾部的项目（最久未使用）
func (c *Cache[K, V]) RemoveOldest() {
	if ele := c.ll.Back(); ele != nil {
		c.removeElement(ele)
	}
}

func (c *Cache[K, V]) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	kv := ele.Value.(*entry[K, V])
	delete(c.cache, kv.key)
	c.nbytes -= int64(kv.value.Len())
	if c.OnEvicted != nil {
		c.OnEvicted(kv.key, kv.value)
	}
}

// Keys 按从新到旧的顺序返回所有键
func (c *Cache[K, V]) Keys() []K {
	keys := make([]K, 0, c.ll.Len())
	for ele := c.ll.Front(); ele != nil; ele = ele.Next() {
		keys = append(keys, ele.Value.(*entry[K, V]).key)
	}
	return keys
}

// Len 返回项目数量
func (c *Cache[K, V]) Len() int {
	return c.ll.Len()
}

// Bytes 返回当前所有值的总字节数
func (c *Cache[K, V]) Bytes() int64 {
	return c.nbytes
}
