package arch

// Current is the Architecture for the platform this binary was built for.
var Current = &ARM64
