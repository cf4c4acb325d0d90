// Mino is a credential-pooling gateway for AI provider APIs.
//
// It fronts upstream providers (OpenAI, Anthropic, Gemini and compatible
// services) with a shared pool of API keys, allocating a key per caller
// session and retrying across keys when upstreams reject them. Along the
// way it enforces per-identity concurrency limits, cooldowns between chat
// requests, and a traffic spike guard with human verification.
//
// Usage:
//
//	# Start the gateway with the default configuration
//	mino run
//
//	# Start with a custom configuration file
//	mino run --config /etc/mino/config.yaml
//
//	# Import provider keys from a file
//	mino keys import keys.txt --provider my-provider
//
//	# Remove disabled keys from the database
//	mino keys prune
//
//	# Create an access token
//	mino user create --tier ADMIN --username ops
//
//	# Show version information
//	mino version
package main

func main() {
	Execute()
}
