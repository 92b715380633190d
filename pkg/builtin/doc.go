// Package builtin provides the default namespaces of the models, datasets
// and optimizers categories, and a probe experiment.
//
// The constructors return descriptors rather than live objects: a Dataset
// records where its data lives and how it is batched, a LeNet records its
// layer sizes derived from the dataset shape, an Optimizer records its
// hyperparameters. Training code embedding gridlab builds its own objects
// from them, or registers its own constructors in place of these.
package builtin
