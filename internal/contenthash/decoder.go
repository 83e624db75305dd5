// Package contenthash 解码 ENS contenthash (EIP-1577)
//
// 编码格式: <namespace uvarint><cid bytes>
//
//	0xe3 ipfs-ns  -> /ipfs/<cid>
//	0xe5 ipns-ns  -> /ipns/<cid>
//
// 其它命名空间 (swarm 0xe4、onion 0x01bc 等) 视为不支持。
package contenthash

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	pkgerrors "github.com/dwebhost/dweb-alpha/pkg/errors"
)

// Codec contenthash 命名空间 multicodec
type Codec uint64

const (
	CodecIPFS Codec = 0xe3
	CodecIPNS Codec = 0xe5
)

func (c Codec) String() string {
	switch c {
	case CodecIPFS:
		return "ipfs-ns"
	case CodecIPNS:
		return "ipns-ns"
	default:
		return fmt.Sprintf("0x%x", uint64(c))
	}
}

// Content 解码后的内容标识
type Content struct {
	Codec Codec
	CID   cid.Cid
}

// String CID 文本形式，v0 为 base58btc，v1 为 base32
func (c Content) String() string {
	return c.CID.String()
}

// Path 存储后端路径
func (c Content) Path() string {
	if c.Codec == CodecIPNS {
		return "/ipns/" + c.CID.String()
	}
	return "/ipfs/" + c.CID.String()
}

// Decode 解码链上 contenthash 原始字节，纯函数
func Decode(encoded []byte) (Content, error) {
	if len(encoded) == 0 {
		return Content{}, pkgerrors.Wrapf(pkgerrors.ErrContentDecode, "empty contenthash")
	}

	code, n, err := varint.FromUvarint(encoded)
	if err != nil {
		return Content{}, pkgerrors.WrapWithCause(pkgerrors.ErrContentDecode, err, "invalid namespace varint")
	}

	codec := Codec(code)
	if codec != CodecIPFS && codec != CodecIPNS {
		return Content{}, pkgerrors.Wrapf(pkgerrors.ErrContentDecode, "unsupported namespace %s", codec)
	}

	c, err := cid.Cast(encoded[n:])
	if err != nil {
		return Content{}, pkgerrors.WrapWithCause(pkgerrors.ErrContentDecode, err, "invalid cid")
	}
	return Content{Codec: codec, CID: c}, nil
}

// DecodeHex 解码 0x 前缀的十六进制 contenthash (数据库中的存储形式)
func DecodeHex(s string) (Content, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return Content{}, pkgerrors.WrapWithCause(pkgerrors.ErrContentDecode, err, "invalid hex")
	}
	return Decode(raw)
}

// Encode 编码为链上 contenthash 字节
func Encode(codec Codec, c cid.Cid) []byte {
	prefix := varint.ToUvarint(uint64(codec))
	return append(prefix, c.Bytes()...)
}

// EncodeHex 编码为 0x 前缀的十六进制
func EncodeHex(codec Codec, c cid.Cid) string {
	return hexutil.Encode(Encode(codec, c))
}
