package kafka

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// SHA256 SCRAM-SHA-256 哈希函数
var SHA256 scram.HashGeneratorFcn = func() hash.Hash { return sha256.New() }

// SHA512 SCRAM-SHA-512 哈希函数
var SHA512 scram.HashGeneratorFcn = func() hash.Hash { return sha512.New() }

// SASLConfig 托管 Kafka 的认证配置，Mechanism 为空时不启用
type SASLConfig struct {
	Mechanism string // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	User      string
	Password  string
}

// xdgScramClient 实现 sarama.SCRAMClient
type xdgScramClient struct {
	*scram.Client
	*scram.ClientConversation
	HashGeneratorFcn scram.HashGeneratorFcn
}

// Begin 开始认证
func (x *xdgScramClient) Begin(userName, password, authzID string) error {
	client, err := x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.Client = client
	x.ClientConversation = client.NewConversation()
	return nil
}

// Step 执行一步
func (x *xdgScramClient) Step(challenge string) (string, error) {
	return x.ClientConversation.Step(challenge)
}

// Done 认证是否完成
func (x *xdgScramClient) Done() bool {
	return x.ClientConversation.Done()
}

// applySASL 把认证配置写入 sarama 配置
func applySASL(config *sarama.Config, cfg *SASLConfig) error {
	if cfg == nil || cfg.Mechanism == "" {
		return nil
	}

	config.Net.SASL.Enable = true
	config.Net.SASL.User = cfg.User
	config.Net.SASL.Password = cfg.Password
	config.Net.SASL.Handshake = true

	switch strings.ToUpper(cfg.Mechanism) {
	case sarama.SASLTypePlaintext:
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	case sarama.SASLTypeSCRAMSHA256:
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &xdgScramClient{HashGeneratorFcn: SHA256}
		}
	case sarama.SASLTypeSCRAMSHA512:
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &xdgScramClient{HashGeneratorFcn: SHA512}
		}
	default:
		return fmt.Errorf("unsupported sasl mechanism %q", cfg.Mechanism)
	}
	return nil
}
