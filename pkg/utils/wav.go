package utils

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVInfo 描述 RIFF/WAVE 中的 PCM 格式。
type WAVInfo struct {
	DataOffset    int
	DataLength    int
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// PCMToWAV 为 16bit PCM 数据加上 44 字节 WAV 头。
func PCMToWAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	dataLen := len(pcm)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	return append(header, pcm...)
}

// IsWAV 判断数据是否以 RIFF/WAVE 头开始。
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// ParseWAV 遍历 RIFF 分块，定位 fmt 与 data。
func ParseWAV(data []byte) (WAVInfo, error) {
	if !IsWAV(data) {
		return WAVInfo{}, errors.New("wav: missing RIFF/WAVE header")
	}

	var (
		info     WAVInfo
		foundFmt bool
	)
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || offset+8+16 > len(data) {
				return WAVInfo{}, fmt.Errorf("wav: fmt chunk too short (%d bytes)", chunkSize)
			}
			body := data[offset+8:]
			if format := binary.LittleEndian.Uint16(body[0:2]); format != 1 {
				return WAVInfo{}, fmt.Errorf("wav: unsupported audio format %d", format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return WAVInfo{}, errors.New("wav: data chunk before fmt chunk")
			}
			info.DataOffset = offset + 8
			info.DataLength = chunkSize
			if info.DataOffset+info.DataLength > len(data) {
				info.DataLength = len(data) - info.DataOffset
			}
			return info, nil
		}

		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}

	return WAVInfo{}, errors.New("wav: data chunk not found")
}

// StripWAVHeader 返回 WAV 中的 PCM 数据；非 WAV 数据原样返回。
func StripWAVHeader(data []byte) ([]byte, error) {
	if !IsWAV(data) {
		return data, nil
	}
	info, err := ParseWAV(data)
	if err != nil {
		return nil, err
	}
	return data[info.DataOffset : info.DataOffset+info.DataLength], nil
}
