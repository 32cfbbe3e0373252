package hashmap

// HashMap is the map interface shared by the concurrent maps in this package.
type HashMap[K any, V any] interface {
	Delete(K)
	Load(K) (val V, loaded bool)
	LoadAndDelete(K) (val V, exists bool)
	LoadOrStore(K, V) (val V, loaded bool)

	// Range iterates over the map's key/value pairs. Iteration stops once the callback returns false.
	Range(func(K, V) (contd bool))

	Store(K, V)
	Len() int
}
