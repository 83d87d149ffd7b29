//go:build gomock || generate

package sliq

//go:generate sh -c "go run go.uber.org/mock/mockgen -typed -build_flags=\"-tags=gomock\" -package sliq -self_package github.com/go-i2p/go-sliq -destination mock_socket_test.go github.com/go-i2p/go-sliq Socket"
