package dataloader

// CreateSharedDataLoaders creates train and validation loaders backed by one
// image cache. The validation loader never shuffles or drops batches.
func CreateSharedDataLoaders(trainDataset, valDataset Dataset, train, val Config) (*DataLoader, *DataLoader) {
	shared := NewCacheManager(train.MaxCacheSize)

	train.CacheManager = shared
	trainLoader := NewDataLoader(trainDataset, train)

	val.CacheManager = shared
	val.Shuffle = false
	val.DropLast = false
	valLoader := NewDataLoader(valDataset, val)

	return trainLoader, valLoader
}
