// Package mocks provides shared mock implementations for testing.
//
// # Usage
//
//	import "agentcoder/internal/mocks"
//
//	func TestSomething(t *testing.T) {
//	    rt := mocks.NewMockRuntime()
//	    rt.SetLogs("job-1", "{\"code\": \"ok\"}\n")
//	    d := dispatch.New(rt, cfg)
//	    // ...
//	    require.Empty(t, rt.LiveContainers())
//	}
//
// # Available Mocks
//
//   - MockRuntime: in-memory exec.Runtime that tracks every container and volume it allocates
//   - MockLLMClient: scripted llm.Client
package mocks
