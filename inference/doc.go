// Package inference defines the contract with the external language-model
// engine. The Engine interface is deliberately opaque: model choice, token
// limits and provider retry policy live behind it. Concrete adapters for the
// OpenAI and Anthropic APIs are provided in sub-packages; StubEngine offers
// deterministic scripted behavior for tests and examples.
package inference
